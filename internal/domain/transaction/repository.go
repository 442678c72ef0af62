package transaction

import "context"

// Repository defines the interface for transaction data access.
type Repository interface {
	// GetOverlays returns the user overlay of every stored transaction in ids.
	// Missing ids are absent from the map.
	GetOverlays(ctx context.Context, ids []string) (map[string]Overlay, error)
	// ApplySync upserts batch.Upserts, deletes batch.RemovedIDs and stores
	// batch.NextCursor on the item, in one database transaction with the
	// cursor written last.
	ApplySync(ctx context.Context, batch SyncBatch) error
	ListByItemID(ctx context.Context, itemID string) ([]*Transaction, error)
	GetByID(ctx context.Context, id string) (*Transaction, error)
}
