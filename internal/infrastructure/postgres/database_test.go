package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		sqlDB.Close()
	})
	return &DB{sqlDB}, mock
}

func TestSanitizeQuery(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"placeholders kept", "SELECT * FROM items WHERE id = $1", "SELECT * FROM items WHERE id = $1"},
		{"string literal", "SELECT * FROM jobs WHERE status = 'pending'", "SELECT * FROM jobs WHERE status = '?'"},
		{"escaped quote", "SELECT 'it''s'", "SELECT '?'"},
		{"numeric literal", "SELECT * FROM jobs LIMIT 10", "SELECT * FROM jobs LIMIT ?"},
		{"identifier digits", "SELECT col1 FROM t2", "SELECT col1 FROM t2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, sanitizeQuery(tt.in))
		})
	}
}

func TestExtractSQLVerb(t *testing.T) {
	require.Equal(t, "UPDATE", extractSQLVerb("\n\t\tupdate jobs SET x = 1"))
	require.Equal(t, "SELECT", extractSQLVerb("select"))
}

func TestSanitizeQuery_Truncates(t *testing.T) {
	long := "SELECT " + strings.Repeat("x", 400)
	got := sanitizeQuery(long)
	require.Len(t, got, maxStatementLen+len("..."))
}

func TestTracedRow_NoRowsIsNotAnError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT id FROM items").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	var id string
	err := db.QueryRowContext(context.Background(), "SELECT id FROM items WHERE id = $1", "x").Scan(&id)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE items").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := db.WithTx(context.Background(), func(ctx context.Context, tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "UPDATE items SET healthy = false"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
}
