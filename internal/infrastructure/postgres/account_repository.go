package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"finsync/internal/domain/account"
)

// AccountRepository implements the account.Repository interface for PostgreSQL
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

var _ account.Repository = (*AccountRepository)(nil)

// Upsert writes all accounts in one transaction, keyed by provider account id.
func (r *AccountRepository) Upsert(ctx context.Context, accounts []*account.Account) error {
	if len(accounts) == 0 {
		return nil
	}

	query := `
		INSERT INTO accounts (
			id, item_id, user_id, name, official_name, mask, type, subtype, currency,
			current_balance, available_balance, credit_limit
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			official_name = EXCLUDED.official_name,
			mask = EXCLUDED.mask,
			type = EXCLUDED.type,
			subtype = EXCLUDED.subtype,
			currency = EXCLUDED.currency,
			current_balance = EXCLUDED.current_balance,
			available_balance = EXCLUDED.available_balance,
			credit_limit = EXCLUDED.credit_limit,
			updated_at = NOW()
	`

	err := r.db.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		for _, acc := range accounts {
			_, err := tx.ExecContext(ctx, query,
				acc.ID, acc.ItemID, acc.UserID, acc.Name, acc.OfficialName, acc.Mask, acc.Type, acc.Subtype, acc.Currency,
				acc.CurrentBalance, acc.AvailableBalance, acc.CreditLimit,
			)
			if err != nil {
				return fmt.Errorf("account %s: %w", acc.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert accounts: %w", err)
	}
	return nil
}

// ListByItemID returns the item's accounts ordered by name.
func (r *AccountRepository) ListByItemID(ctx context.Context, itemID string) ([]*account.Account, error) {
	query := `
		SELECT id, item_id, user_id, name, official_name, mask, type, subtype, currency,
		       current_balance, available_balance, credit_limit, created_at, updated_at
		FROM accounts
		WHERE item_id = $1
		ORDER BY name, id
	`

	rows, err := r.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		var acc account.Account
		err := rows.Scan(
			&acc.ID, &acc.ItemID, &acc.UserID, &acc.Name, &acc.OfficialName, &acc.Mask,
			&acc.Type, &acc.Subtype, &acc.Currency,
			&acc.CurrentBalance, &acc.AvailableBalance, &acc.CreditLimit,
			&acc.CreatedAt, &acc.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &acc)
	}

	return accounts, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
