package notification

import "context"

// Repository defines the interface for notification data access.
// Defined in the domain layer, implemented in the infrastructure layer.
type Repository interface {
	// Create inserts a notification without touching other rows.
	Create(ctx context.Context, params CreateParams) (*Notification, error)
	// ReplaceActive deactivates the active notification of the same
	// (user, item, type) and inserts params, in one transaction.
	ReplaceActive(ctx context.Context, params CreateParams) (*Notification, error)
	// DeactivateForItem retires the user's active notifications of the given
	// types for itemID and returns how many rows changed.
	DeactivateForItem(ctx context.Context, userID int64, itemID string, types []Type) (int64, error)
	ListActiveByUserID(ctx context.Context, userID int64) ([]*Notification, error)
	GetByID(ctx context.Context, id string, userID int64) (*Notification, error)
	// MarkRead sets read and retires non-persistent notifications.
	MarkRead(ctx context.Context, id string, userID int64) error
	Dismiss(ctx context.Context, id string, userID int64) error

	// Device tokens
	UpsertDeviceToken(ctx context.Context, params CreateDeviceTokenParams) (*DeviceToken, error)
	GetActiveTokensByUserID(ctx context.Context, userID int64) ([]*DeviceToken, error)
	DeactivateToken(ctx context.Context, token string) error
}
