package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"finsync/internal/queue"
)

// ErrEnqueueFailed is returned by Intake.Accept when a verified webhook
// could not be queued. All other Accept errors reject the request.
var ErrEnqueueFailed = errors.New("failed to enqueue webhook")

// AuditRecord is the stored copy of a verified webhook.
type AuditRecord struct {
	ID          int64           `json:"id"`
	PlaidItemID string          `json:"plaidItemId"`
	Type        string          `json:"type"`
	Code        string          `json:"code"`
	Body        json.RawMessage `json:"body"`
	TokenDigest string          `json:"tokenDigest"`
	JobID       string          `json:"jobId,omitempty"`
	ReceivedAt  time.Time       `json:"receivedAt"`
}

// AuditStore persists verified webhooks.
type AuditStore interface {
	Record(ctx context.Context, rec *AuditRecord) error
}

// Intake is the synchronous half of webhook handling: verify, validate,
// then hand off to the webhooks queue.
type Intake struct {
	verifier *Verifier
	enqueuer queue.Enqueuer
	audit    AuditStore
	logger   *zap.Logger
}

// NewIntake creates an Intake. audit may be nil.
func NewIntake(verifier *Verifier, enqueuer queue.Enqueuer, audit AuditStore, logger *zap.Logger) *Intake {
	return &Intake{verifier: verifier, enqueuer: enqueuer, audit: audit, logger: logger.Named("webhook-intake")}
}

// Accept verifies and enqueues one webhook. Routes are resolved before
// enqueueing so unknown codes never reach a worker.
func (in *Intake) Accept(ctx context.Context, token string, body []byte) (*queue.Job, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidHeader)
	}
	if _, err := in.verifier.Verify(ctx, token, body); err != nil {
		return nil, err
	}

	ev, route, err := Parse(body)
	if err != nil {
		return nil, err
	}

	job, err := in.enqueuer.Enqueue(ctx, queue.Webhooks, JobProcessWebhook, JobPayload{Webhook: *ev})
	if err != nil {
		if rerr := in.verifier.Release(context.WithoutCancel(ctx), token); rerr != nil {
			in.logger.Error("redelivery of unqueued webhook will be rejected",
				zap.String("plaid_item_id", ev.ItemID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	in.logger.Info("webhook accepted",
		zap.String("webhook", route.String()),
		zap.String("plaid_item_id", ev.ItemID),
		zap.String("job_id", job.ID),
	)

	if in.audit != nil {
		rec := &AuditRecord{
			PlaidItemID: ev.ItemID,
			Type:        ev.WebhookType,
			Code:        ev.WebhookCode,
			Body:        json.RawMessage(body),
			TokenDigest: TokenDigest(token),
			JobID:       job.ID,
			ReceivedAt:  time.Now().UTC(),
		}
		if err := in.audit.Record(ctx, rec); err != nil {
			in.logger.Warn("failed to record webhook audit", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return job, nil
}
