package inmemory

import (
	"context"
	"sort"

	"finsync/internal/domain/account"
)

type AccountRepository struct{ s *Store }

var _ account.Repository = (*AccountRepository)(nil)

func (r *AccountRepository) Upsert(_ context.Context, accounts []*account.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	for _, acc := range accounts {
		c := clone(acc)
		if prev, ok := r.s.accounts[acc.ID]; ok {
			c.CreatedAt = prev.CreatedAt
		} else {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		r.s.accounts[acc.ID] = c
	}
	return nil
}

func (r *AccountRepository) ListByItemID(_ context.Context, itemID string) ([]*account.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*account.Account
	for _, acc := range r.s.accounts {
		if acc.ItemID == itemID {
			out = append(out, clone(acc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
