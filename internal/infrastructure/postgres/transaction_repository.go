package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"finsync/internal/domain/transaction"
)

// TransactionRepository implements the transaction.Repository interface for PostgreSQL
type TransactionRepository struct {
	db *DB
}

// NewTransactionRepository creates a new PostgreSQL transaction repository
func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

var _ transaction.Repository = (*TransactionRepository)(nil)

const transactionColumns = `
	id, account_id, item_id, amount, iso_currency, date, authorized_date, name,
	merchant_name, category, pending, pending_transaction_id,
	custom_name, custom_category, note, created_at, updated_at`

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	var authorized sql.NullTime
	var pendingID, customName, customCategory, note sql.NullString

	err := row.Scan(
		&tx.ID, &tx.AccountID, &tx.ItemID, &tx.Amount, &tx.IsoCurrency, &tx.Date, &authorized, &tx.Name,
		&tx.MerchantName, &tx.Category, &tx.Pending, &pendingID,
		&customName, &customCategory, &note, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if authorized.Valid {
		tx.AuthorizedDate = &authorized.Time
	}
	tx.PendingTransactionID = stringPtr(pendingID)
	tx.CustomName = stringPtr(customName)
	tx.CustomCategory = stringPtr(customCategory)
	tx.Note = stringPtr(note)
	return &tx, nil
}

func (r *TransactionRepository) GetOverlays(ctx context.Context, ids []string) (map[string]transaction.Overlay, error) {
	overlays := make(map[string]transaction.Overlay)
	if len(ids) == 0 {
		return overlays, nil
	}

	query := `
		SELECT id, custom_name, custom_category, note
		FROM transactions
		WHERE id = ANY($1)
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get overlays: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var customName, customCategory, note sql.NullString
		if err := rows.Scan(&id, &customName, &customCategory, &note); err != nil {
			return nil, fmt.Errorf("failed to scan overlay: %w", err)
		}
		overlays[id] = transaction.Overlay{
			CustomName:     stringPtr(customName),
			CustomCategory: stringPtr(customCategory),
			Note:           stringPtr(note),
		}
	}

	return overlays, rows.Err()
}

// ApplySync writes one accumulated sync batch. Provider columns are
// overwritten; user overlay columns are only filled, never cleared.
func (r *TransactionRepository) ApplySync(ctx context.Context, batch transaction.SyncBatch) error {
	upsert := `
		INSERT INTO transactions (` + transactionInsertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			amount = EXCLUDED.amount,
			iso_currency = EXCLUDED.iso_currency,
			date = EXCLUDED.date,
			authorized_date = EXCLUDED.authorized_date,
			name = EXCLUDED.name,
			merchant_name = EXCLUDED.merchant_name,
			category = EXCLUDED.category,
			pending = EXCLUDED.pending,
			pending_transaction_id = EXCLUDED.pending_transaction_id,
			custom_name = COALESCE(transactions.custom_name, EXCLUDED.custom_name),
			custom_category = COALESCE(transactions.custom_category, EXCLUDED.custom_category),
			note = COALESCE(transactions.note, EXCLUDED.note),
			updated_at = NOW()
	`

	err := r.db.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		for _, t := range batch.Upserts {
			var authorized sql.NullTime
			if t.AuthorizedDate != nil {
				authorized = sql.NullTime{Time: *t.AuthorizedDate, Valid: true}
			}
			_, err := tx.ExecContext(ctx, upsert,
				t.ID, t.AccountID, batch.ItemID, t.Amount, t.IsoCurrency, t.Date, authorized, t.Name,
				t.MerchantName, t.Category, t.Pending, nullStringPtr(t.PendingTransactionID),
				nullStringPtr(t.CustomName), nullStringPtr(t.CustomCategory), nullStringPtr(t.Note),
			)
			if err != nil {
				return fmt.Errorf("transaction %s: %w", t.ID, err)
			}
		}

		if len(batch.RemovedIDs) > 0 {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM transactions WHERE item_id = $1 AND id = ANY($2)`,
				batch.ItemID, pq.Array(batch.RemovedIDs),
			)
			if err != nil {
				return fmt.Errorf("delete removed: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE items SET cursor = $2, updated_at = NOW() WHERE id = $1`,
			batch.ItemID, batch.NextCursor,
		)
		if err != nil {
			return fmt.Errorf("store cursor: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("store cursor: item %s not found", batch.ItemID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply sync: %w", err)
	}
	return nil
}

const transactionInsertColumns = `
	id, account_id, item_id, amount, iso_currency, date, authorized_date, name,
	merchant_name, category, pending, pending_transaction_id,
	custom_name, custom_category, note`

func (r *TransactionRepository) ListByItemID(ctx context.Context, itemID string) ([]*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE item_id = $1 ORDER BY date DESC, id`

	rows, err := r.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

