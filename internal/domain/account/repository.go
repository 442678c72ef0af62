package account

import "context"

// Repository defines the interface for account data access.
type Repository interface {
	// Upsert creates or updates accounts by provider account id.
	Upsert(ctx context.Context, accounts []*Account) error
	ListByItemID(ctx context.Context, itemID string) ([]*Account, error)
}
