package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"finsync/internal/domain/item"
)

// TokenCipher encrypts item access tokens at rest.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type ItemRepository struct {
	db     *DB
	cipher TokenCipher
}

func NewItemRepository(db *DB, cipher TokenCipher) *ItemRepository {
	return &ItemRepository{db: db, cipher: cipher}
}

var _ item.Repository = (*ItemRepository)(nil)

const itemColumns = `
	id, user_id, plaid_item_id, access_token, institution_id, institution_name,
	healthy, active, cursor, last_refreshed_at, transactions_last_refreshed_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ItemRepository) scan(row rowScanner) (*item.Item, error) {
	var it item.Item
	var cursor sql.NullString
	var lastRefreshed, txRefreshed sql.NullTime
	var token string

	err := row.Scan(
		&it.ID, &it.UserID, &it.PlaidItemID, &token, &it.InstitutionID, &it.InstitutionName,
		&it.Healthy, &it.Active, &cursor, &lastRefreshed, &txRefreshed,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if cursor.Valid {
		it.Cursor = &cursor.String
	}
	if lastRefreshed.Valid {
		it.LastRefreshedAt = &lastRefreshed.Time
	}
	if txRefreshed.Valid {
		it.TransactionsLastRefreshedAt = &txRefreshed.Time
	}

	it.AccessToken, err = r.cipher.Decrypt(token)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token for item %s: %w", it.ID, err)
	}
	return &it, nil
}

func (r *ItemRepository) getOne(ctx context.Context, where string, arg any) (*item.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE ` + where
	it, err := r.scan(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, item.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return it, nil
}

func (r *ItemRepository) GetByID(ctx context.Context, id string) (*item.Item, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *ItemRepository) GetByPlaidItemID(ctx context.Context, plaidItemID string) (*item.Item, error) {
	return r.getOne(ctx, `plaid_item_id = $1`, plaidItemID)
}

func (r *ItemRepository) ListByUserID(ctx context.Context, userID int64) ([]*item.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE user_id = $1 AND active ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*item.Item
	for rows.Next() {
		it, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Create stores a newly linked item. The access token is encrypted.
func (r *ItemRepository) Create(ctx context.Context, it *item.Item) error {
	token, err := r.cipher.Encrypt(it.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	query := `
		INSERT INTO items (user_id, plaid_item_id, access_token, institution_id, institution_name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, healthy, active, created_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query, it.UserID, it.PlaidItemID, token, it.InstitutionID, it.InstitutionName).
		Scan(&it.ID, &it.Healthy, &it.Active, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

func (r *ItemRepository) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("item %s: %w", id, item.ErrItemNotFound)
	}
	return nil
}

func (r *ItemRepository) UpdateHealthy(ctx context.Context, id string, healthy bool) error {
	err := r.exec(ctx, id, `UPDATE items SET healthy = $2, updated_at = NOW() WHERE id = $1`, id, healthy)
	if err != nil {
		return fmt.Errorf("failed to update item health: %w", err)
	}
	return nil
}

func (r *ItemRepository) Deactivate(ctx context.Context, id string) error {
	err := r.exec(ctx, id, `UPDATE items SET active = false, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate item: %w", err)
	}
	return nil
}

func (r *ItemRepository) MarkRefreshed(ctx context.Context, id string, kind item.RefreshKind, at time.Time) error {
	query := `UPDATE items SET last_refreshed_at = $2, updated_at = NOW() WHERE id = $1`
	if kind == item.RefreshTransactions {
		query = `UPDATE items SET last_refreshed_at = $2, transactions_last_refreshed_at = $2, updated_at = NOW() WHERE id = $1`
	}
	if err := r.exec(ctx, id, query, id, at); err != nil {
		return fmt.Errorf("failed to mark item refreshed: %w", err)
	}
	return nil
}
