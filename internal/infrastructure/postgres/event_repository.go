package postgres

import (
	"context"
	"fmt"
	"time"

	"finsync/internal/domain/webhook"
	ofclient "finsync/internal/infrastructure/openfinance"
)

// APIEventRepository stores provider call records drained from the logging queue.
type APIEventRepository struct {
	db *DB
}

func NewAPIEventRepository(db *DB) *APIEventRepository {
	return &APIEventRepository{db: db}
}

func (r *APIEventRepository) Record(ctx context.Context, call ofclient.APICall) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_events (method, item_id, request_id, status_code, duration_ms, error_type, error_code, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, call.Method, call.ItemID, call.RequestID, call.StatusCode, call.DurationMs, call.ErrorType, call.ErrorCode, call.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record api event: %w", err)
	}
	return nil
}

func (r *APIEventRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge api events: %w", err)
	}
	return res.RowsAffected()
}

// WebhookEventRepository keeps an audit row for every accepted webhook.
type WebhookEventRepository struct {
	db *DB
}

func NewWebhookEventRepository(db *DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

var _ webhook.AuditStore = (*WebhookEventRepository)(nil)

func (r *WebhookEventRepository) Record(ctx context.Context, rec *webhook.AuditRecord) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (plaid_item_id, webhook_type, webhook_code, body, token_digest, job_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, rec.PlaidItemID, rec.Type, rec.Code, []byte(rec.Body), rec.TokenDigest, nullString(rec.JobID), rec.ReceivedAt).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

func (r *WebhookEventRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	return res.RowsAffected()
}
