package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"finsync/internal/domain/notification"
)

const activeNotificationIndex = "notifications_one_active"

type NotificationRepository struct {
	db *DB
}

func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

var _ notification.Repository = (*NotificationRepository)(nil)

const notificationColumns = `id, user_id, item_id, type, title, message, persistent, read, active, created_at, updated_at`

func scanNotification(row rowScanner) (*notification.Notification, error) {
	var n notification.Notification
	var itemID sql.NullString
	var typ string

	err := row.Scan(
		&n.ID, &n.UserID, &itemID, &typ, &n.Title, &n.Message,
		&n.Persistent, &n.Read, &n.Active, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Type = notification.Type(typ)
	n.ItemID = stringPtr(itemID)
	return &n, nil
}

const insertNotification = `
	INSERT INTO notifications (user_id, item_id, type, title, message, persistent)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING ` + notificationColumns

func (r *NotificationRepository) Create(ctx context.Context, params notification.CreateParams) (*notification.Notification, error) {
	n, err := scanNotification(r.db.QueryRowContext(ctx, insertNotification,
		params.UserID, nullStringPtr(params.ItemID), string(params.Type), params.Title, params.Message, params.Persistent,
	))
	if isUniqueViolation(err, activeNotificationIndex) {
		return nil, notification.ErrActiveConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	return n, nil
}

// ReplaceActive retires the current active row for the scope and inserts the
// new one. A concurrent insert that wins the partial unique index surfaces as
// notification.ErrActiveConflict so the caller can retry.
func (r *NotificationRepository) ReplaceActive(ctx context.Context, params notification.CreateParams) (*notification.Notification, error) {
	var n *notification.Notification
	err := r.db.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE notifications SET active = false, updated_at = NOW()
			WHERE user_id = $1 AND item_id IS NOT DISTINCT FROM $2 AND type = $3 AND active
		`, params.UserID, nullStringPtr(params.ItemID), string(params.Type))
		if err != nil {
			return fmt.Errorf("deactivate previous: %w", err)
		}

		n, err = scanNotification(tx.QueryRowContext(ctx, insertNotification,
			params.UserID, nullStringPtr(params.ItemID), string(params.Type), params.Title, params.Message, params.Persistent,
		))
		return err
	})
	if isUniqueViolation(err, activeNotificationIndex) {
		return nil, notification.ErrActiveConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to replace notification: %w", err)
	}
	return n, nil
}

func (r *NotificationRepository) DeactivateForItem(ctx context.Context, userID int64, itemID string, types []notification.Type) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET active = false, updated_at = NOW()
		WHERE user_id = $1 AND item_id = $2 AND type = ANY($3) AND active
	`, userID, itemID, pq.Array(names))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate notifications: %w", err)
	}
	return res.RowsAffected()
}

func (r *NotificationRepository) ListActiveByUserID(ctx context.Context, userID int64) ([]*notification.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1 AND active
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

func (r *NotificationRepository) GetByID(ctx context.Context, id string, userID int64) (*notification.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1 AND user_id = $2`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notification.ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

func (r *NotificationRepository) update(ctx context.Context, query, id string, userID int64) error {
	result, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notification.ErrNotificationNotFound
	}
	return nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id string, userID int64) error {
	err := r.update(ctx, `
		UPDATE notifications
		SET read = true, active = active AND persistent, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil && !errors.Is(err, notification.ErrNotificationNotFound) {
		return fmt.Errorf("failed to mark notification as read: %w", err)
	}
	return err
}

func (r *NotificationRepository) Dismiss(ctx context.Context, id string, userID int64) error {
	err := r.update(ctx, `
		UPDATE notifications SET active = false, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil && !errors.Is(err, notification.ErrNotificationNotFound) {
		return fmt.Errorf("failed to dismiss notification: %w", err)
	}
	return err
}

// UpsertDeviceToken registers or updates a device token for a user.
// If the token exists for a different user, it is reassigned.
func (r *NotificationRepository) UpsertDeviceToken(ctx context.Context, params notification.CreateDeviceTokenParams) (*notification.DeviceToken, error) {
	query := `
		INSERT INTO fcm_device_tokens (user_id, token, device_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE
			SET user_id = EXCLUDED.user_id,
			    device_type = EXCLUDED.device_type,
			    is_active = true,
			    last_used = NOW()
		RETURNING id, user_id, token, device_type, is_active, created_at, last_used
	`

	var dt notification.DeviceToken
	err := r.db.QueryRowContext(ctx, query, params.UserID, params.Token, params.DeviceType).Scan(
		&dt.ID, &dt.UserID, &dt.Token, &dt.DeviceType, &dt.IsActive, &dt.CreatedAt, &dt.LastUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device token: %w", err)
	}

	return &dt, nil
}

func (r *NotificationRepository) GetActiveTokensByUserID(ctx context.Context, userID int64) ([]*notification.DeviceToken, error) {
	query := `
		SELECT id, user_id, token, device_type, is_active, created_at, last_used
		FROM fcm_device_tokens
		WHERE user_id = $1 AND is_active = true
		ORDER BY last_used DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*notification.DeviceToken
	for rows.Next() {
		var dt notification.DeviceToken
		if err := rows.Scan(&dt.ID, &dt.UserID, &dt.Token, &dt.DeviceType, &dt.IsActive, &dt.CreatedAt, &dt.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		tokens = append(tokens, &dt)
	}

	return tokens, rows.Err()
}

func (r *NotificationRepository) DeactivateToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE fcm_device_tokens SET is_active = false WHERE token = $1`,
		token,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate token: %w", err)
	}
	return nil
}
