package inmemory

import (
	"context"

	"finsync/internal/domain/investment"
	"finsync/internal/domain/liability"
)

type InvestmentRepository struct{ s *Store }

var _ investment.Repository = (*InvestmentRepository)(nil)

func (r *InvestmentRepository) ReplaceHoldings(_ context.Context, itemID string, securities []*investment.Security, holdings []*investment.Holding) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, sec := range securities {
		r.s.securities[sec.ID] = clone(sec)
	}

	keep := make(map[string]struct{}, len(holdings))
	now := r.s.now()
	for _, h := range holdings {
		key := h.AccountID + "/" + h.SecurityID
		c := clone(h)
		c.ItemID = itemID
		c.UpdatedAt = now
		r.s.holdings[key] = c
		keep[key] = struct{}{}
	}
	for key, h := range r.s.holdings {
		if _, ok := keep[key]; !ok && h.ItemID == itemID {
			delete(r.s.holdings, key)
		}
	}
	return nil
}

// Holdings returns the stored holdings of an item.
func (r *InvestmentRepository) Holdings(itemID string) []*investment.Holding {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*investment.Holding
	for _, h := range r.s.holdings {
		if h.ItemID == itemID {
			out = append(out, clone(h))
		}
	}
	return out
}

type LiabilityRepository struct{ s *Store }

var _ liability.Repository = (*LiabilityRepository)(nil)

func (r *LiabilityRepository) ReplaceLiabilities(_ context.Context, itemID string, liabilities []*liability.Liability) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	keep := make(map[string]struct{}, len(liabilities))
	now := r.s.now()
	for _, l := range liabilities {
		key := l.AccountID + "/" + string(l.Kind)
		c := clone(l)
		c.ItemID = itemID
		c.UpdatedAt = now
		r.s.liabilities[key] = c
		keep[key] = struct{}{}
	}
	for key, l := range r.s.liabilities {
		if _, ok := keep[key]; !ok && l.ItemID == itemID {
			delete(r.s.liabilities, key)
		}
	}
	return nil
}
