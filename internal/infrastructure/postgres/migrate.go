package postgres

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"

	"finsync/internal/infrastructure/postgres/migrations"
)

// gooseUp is replaced in tests.
var gooseUp = goose.UpContext

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := gooseUp(ctx, db.DB, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
