package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsync/internal/domain/item"
)

type prefixCipher struct{}

func (prefixCipher) Encrypt(s string) (string, error) { return "enc:" + s, nil }

func (prefixCipher) Decrypt(s string) (string, error) {
	if !strings.HasPrefix(s, "enc:") {
		return "", errors.New("bad ciphertext")
	}
	return strings.TrimPrefix(s, "enc:"), nil
}

var itemRowColumns = []string{
	"id", "user_id", "plaid_item_id", "access_token", "institution_id", "institution_name",
	"healthy", "active", "cursor", "last_refreshed_at", "transactions_last_refreshed_at",
	"created_at", "updated_at",
}

func TestItemRepository_GetByPlaidItemID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewItemRepository(db, prefixCipher{})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM items WHERE plaid_item_id = \$1`).
		WithArgs("plaid-1").
		WillReturnRows(sqlmock.NewRows(itemRowColumns).AddRow(
			"item-1", int64(7), "plaid-1", "enc:access-secret", "ins_1", "Bank",
			true, true, "cur-9", now, nil, now, now,
		))

	it, err := repo.GetByPlaidItemID(context.Background(), "plaid-1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", it.ID)
	assert.Equal(t, "access-secret", it.AccessToken)
	assert.Equal(t, "cur-9", it.CurrentCursor())
	require.NotNil(t, it.LastRefreshedAt)
	assert.Nil(t, it.TransactionsLastRefreshedAt)
}

func TestItemRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewItemRepository(db, prefixCipher{})

	mock.ExpectQuery(`FROM items WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(itemRowColumns))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, item.ErrItemNotFound)
}

func TestItemRepository_GetByID_UndecryptableToken(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewItemRepository(db, prefixCipher{})

	now := time.Now()
	mock.ExpectQuery(`FROM items WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(itemRowColumns).AddRow(
			"item-1", int64(7), "plaid-1", "plaintext", "", "",
			true, true, nil, nil, nil, now, now,
		))

	_, err := repo.GetByID(context.Background(), "item-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt")
}

func TestItemRepository_CreateEncryptsToken(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewItemRepository(db, prefixCipher{})

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO items`).
		WithArgs(int64(7), "plaid-1", "enc:access-secret", "ins_1", "Bank").
		WillReturnRows(sqlmock.NewRows([]string{"id", "healthy", "active", "created_at", "updated_at"}).
			AddRow("item-1", true, true, now, now))

	it := &item.Item{UserID: 7, PlaidItemID: "plaid-1", AccessToken: "access-secret", InstitutionID: "ins_1", InstitutionName: "Bank"}
	require.NoError(t, repo.Create(context.Background(), it))
	assert.Equal(t, "item-1", it.ID)
	assert.Equal(t, "access-secret", it.AccessToken)
}

func TestItemRepository_MarkRefreshed(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("transactions stamps both columns", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewItemRepository(db, prefixCipher{})

		mock.ExpectExec(`SET last_refreshed_at = \$2, transactions_last_refreshed_at = \$2`).
			WithArgs("item-1", at).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.MarkRefreshed(context.Background(), "item-1", item.RefreshTransactions, at))
	})

	t.Run("overall leaves transactions column", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewItemRepository(db, prefixCipher{})

		mock.ExpectExec(`SET last_refreshed_at = \$2, updated_at`).
			WithArgs("item-1", at).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.MarkRefreshed(context.Background(), "item-1", item.RefreshOverall, at))
	})

	t.Run("missing item", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewItemRepository(db, prefixCipher{})

		mock.ExpectExec(`UPDATE items`).WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.MarkRefreshed(context.Background(), "gone", item.RefreshOverall, at)
		assert.ErrorIs(t, err, item.ErrItemNotFound)
	})
}

func TestItemRepository_Deactivate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewItemRepository(db, prefixCipher{})

	mock.ExpectExec(`UPDATE items SET active = false`).
		WithArgs("item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Deactivate(context.Background(), "item-1"))
}
