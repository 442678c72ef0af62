package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"finsync/internal/domain/investment"
)

type InvestmentRepository struct {
	db *DB
}

func NewInvestmentRepository(db *DB) *InvestmentRepository {
	return &InvestmentRepository{db: db}
}

var _ investment.Repository = (*InvestmentRepository)(nil)

func (r *InvestmentRepository) ReplaceHoldings(ctx context.Context, itemID string, securities []*investment.Security, holdings []*investment.Holding) error {
	upsertSecurity := `
		INSERT INTO securities (id, name, ticker_symbol, type, close_price, iso_currency)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			ticker_symbol = EXCLUDED.ticker_symbol,
			type = EXCLUDED.type,
			close_price = EXCLUDED.close_price,
			iso_currency = EXCLUDED.iso_currency,
			updated_at = NOW()
	`
	upsertHolding := `
		INSERT INTO holdings (
			account_id, security_id, item_id, quantity, cost_basis,
			institution_price, institution_value, iso_currency
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, security_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			cost_basis = EXCLUDED.cost_basis,
			institution_price = EXCLUDED.institution_price,
			institution_value = EXCLUDED.institution_value,
			iso_currency = EXCLUDED.iso_currency,
			updated_at = NOW()
	`

	err := r.db.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		for _, s := range securities {
			_, err := tx.ExecContext(ctx, upsertSecurity, s.ID, s.Name, s.TickerSymbol, s.Type, s.ClosePrice, s.IsoCurrency)
			if err != nil {
				return fmt.Errorf("security %s: %w", s.ID, err)
			}
		}

		keys := make([]string, 0, len(holdings))
		for _, h := range holdings {
			_, err := tx.ExecContext(ctx, upsertHolding,
				h.AccountID, h.SecurityID, itemID, h.Quantity, h.CostBasis,
				h.InstitutionPrice, h.InstitutionValue, h.IsoCurrency,
			)
			if err != nil {
				return fmt.Errorf("holding %s/%s: %w", h.AccountID, h.SecurityID, err)
			}
			keys = append(keys, h.AccountID+"/"+h.SecurityID)
		}

		_, err := tx.ExecContext(ctx,
			`DELETE FROM holdings WHERE item_id = $1 AND NOT (account_id || '/' || security_id = ANY($2))`,
			itemID, pq.Array(keys),
		)
		if err != nil {
			return fmt.Errorf("delete stale holdings: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace holdings: %w", err)
	}
	return nil
}
