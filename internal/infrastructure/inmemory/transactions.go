package inmemory

import (
	"context"
	"fmt"
	"sort"

	"finsync/internal/domain/item"
	"finsync/internal/domain/transaction"
)

type TransactionRepository struct{ s *Store }

var _ transaction.Repository = (*TransactionRepository)(nil)

func (r *TransactionRepository) GetOverlays(_ context.Context, ids []string) (map[string]transaction.Overlay, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make(map[string]transaction.Overlay)
	for _, id := range ids {
		if tx, ok := r.s.transactions[id]; ok {
			out[id] = tx.Overlay()
		}
	}
	return out, nil
}

// ApplySync mirrors the database implementation: provider fields are
// replaced, overlay fields are only filled, and the cursor moves last.
func (r *TransactionRepository) ApplySync(_ context.Context, batch transaction.SyncBatch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	it, ok := r.s.items[batch.ItemID]
	if !ok {
		return fmt.Errorf("store cursor: item %s: %w", batch.ItemID, item.ErrItemNotFound)
	}

	now := r.s.now()
	for _, tx := range batch.Upserts {
		c := clone(tx)
		c.ItemID = batch.ItemID
		c.CreatedAt, c.UpdatedAt = now, now
		if prev, ok := r.s.transactions[tx.ID]; ok {
			c.CreatedAt = prev.CreatedAt
			if prev.CustomName != nil {
				c.CustomName = prev.CustomName
			}
			if prev.CustomCategory != nil {
				c.CustomCategory = prev.CustomCategory
			}
			if prev.Note != nil {
				c.Note = prev.Note
			}
		}
		r.s.transactions[tx.ID] = c
	}
	for _, id := range batch.RemovedIDs {
		if tx, ok := r.s.transactions[id]; ok && tx.ItemID == batch.ItemID {
			delete(r.s.transactions, id)
		}
	}

	cursor := batch.NextCursor
	it.Cursor = &cursor
	it.UpdatedAt = now
	return nil
}

func (r *TransactionRepository) ListByItemID(_ context.Context, itemID string) ([]*transaction.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*transaction.Transaction
	for _, tx := range r.s.transactions {
		if tx.ItemID == itemID {
			out = append(out, clone(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *TransactionRepository) GetByID(_ context.Context, id string) (*transaction.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	tx, ok := r.s.transactions[id]
	if !ok {
		return nil, transaction.ErrTransactionNotFound
	}
	return clone(tx), nil
}

// SetOverlay edits the user-owned fields of a stored transaction.
func (r *TransactionRepository) SetOverlay(_ context.Context, id string, o transaction.Overlay) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx, ok := r.s.transactions[id]
	if !ok {
		return transaction.ErrTransactionNotFound
	}
	tx.CustomName, tx.CustomCategory, tx.Note = o.CustomName, o.CustomCategory, o.Note
	tx.UpdatedAt = r.s.now()
	return nil
}
