package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"finsync/internal/domain/liability"
)

type LiabilityRepository struct {
	db *DB
}

func NewLiabilityRepository(db *DB) *LiabilityRepository {
	return &LiabilityRepository{db: db}
}

var _ liability.Repository = (*LiabilityRepository)(nil)

func (r *LiabilityRepository) ReplaceLiabilities(ctx context.Context, itemID string, liabilities []*liability.Liability) error {
	upsert := `
		INSERT INTO liabilities (account_id, kind, item_id, details)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, kind) DO UPDATE SET
			details = EXCLUDED.details,
			updated_at = NOW()
	`

	err := r.db.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		keys := make([]string, 0, len(liabilities))
		for _, l := range liabilities {
			if _, err := tx.ExecContext(ctx, upsert, l.AccountID, string(l.Kind), itemID, []byte(l.Details)); err != nil {
				return fmt.Errorf("liability %s/%s: %w", l.AccountID, l.Kind, err)
			}
			keys = append(keys, l.AccountID+"/"+string(l.Kind))
		}

		_, err := tx.ExecContext(ctx,
			`DELETE FROM liabilities WHERE item_id = $1 AND NOT (account_id || '/' || kind = ANY($2))`,
			itemID, pq.Array(keys),
		)
		if err != nil {
			return fmt.Errorf("delete stale liabilities: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace liabilities: %w", err)
	}
	return nil
}
