package item

import (
	"context"
	"time"
)

// Repository defines item persistence. Implemented in the infrastructure layer.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Item, error)
	// GetByPlaidItemID looks up an item by the provider's item id.
	GetByPlaidItemID(ctx context.Context, plaidItemID string) (*Item, error)
	ListByUserID(ctx context.Context, userID int64) ([]*Item, error)
	UpdateHealthy(ctx context.Context, id string, healthy bool) error
	// Deactivate unlinks the item. Rows are kept.
	Deactivate(ctx context.Context, id string) error
	// MarkRefreshed stamps last_refreshed_at, and transactions_last_refreshed_at
	// as well for RefreshTransactions.
	MarkRefreshed(ctx context.Context, id string, kind RefreshKind, at time.Time) error
}
