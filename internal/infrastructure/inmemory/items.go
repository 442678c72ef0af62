package inmemory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"finsync/internal/domain/item"
)

type ItemRepository struct{ s *Store }

var _ item.Repository = (*ItemRepository)(nil)

// Create stores it, assigning an ID when empty. Only one active item per
// (user, institution) may exist.
func (r *ItemRepository) Create(_ context.Context, it *item.Item) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, other := range r.s.items {
		if other.PlaidItemID == it.PlaidItemID {
			return fmt.Errorf("item %s already linked", it.PlaidItemID)
		}
		if it.Active && other.Active && other.UserID == it.UserID && it.InstitutionID != "" && other.InstitutionID == it.InstitutionID {
			return fmt.Errorf("user %d already has an active item for %s", it.UserID, it.InstitutionID)
		}
	}

	if it.ID == "" {
		it.ID = newID()
	}
	now := r.s.now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	r.s.items[it.ID] = clone(it)
	return nil
}

func (r *ItemRepository) GetByID(_ context.Context, id string) (*item.Item, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	it, ok := r.s.items[id]
	if !ok {
		return nil, item.ErrItemNotFound
	}
	return clone(it), nil
}

func (r *ItemRepository) GetByPlaidItemID(_ context.Context, plaidItemID string) (*item.Item, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, it := range r.s.items {
		if it.PlaidItemID == plaidItemID {
			return clone(it), nil
		}
	}
	return nil, item.ErrItemNotFound
}

func (r *ItemRepository) ListByUserID(_ context.Context, userID int64) ([]*item.Item, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*item.Item
	for _, it := range r.s.items {
		if it.UserID == userID && it.Active {
			out = append(out, clone(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *ItemRepository) update(id string, fn func(*item.Item)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	it, ok := r.s.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, item.ErrItemNotFound)
	}
	fn(it)
	it.UpdatedAt = r.s.now()
	return nil
}

func (r *ItemRepository) UpdateHealthy(_ context.Context, id string, healthy bool) error {
	return r.update(id, func(it *item.Item) { it.Healthy = healthy })
}

func (r *ItemRepository) Deactivate(_ context.Context, id string) error {
	return r.update(id, func(it *item.Item) { it.Active = false })
}

func (r *ItemRepository) MarkRefreshed(_ context.Context, id string, kind item.RefreshKind, at time.Time) error {
	return r.update(id, func(it *item.Item) {
		it.LastRefreshedAt = &at
		if kind == item.RefreshTransactions {
			it.TransactionsLastRefreshedAt = &at
		}
	})
}
