// Package worker binds queue jobs to the domain services that run them.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"finsync/internal/domain/openfinance"
	"finsync/internal/domain/webhook"
	ofclient "finsync/internal/infrastructure/openfinance"
	"finsync/internal/queue"
)

// Dispatcher applies a verified webhook.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *webhook.Event) error
}

// SubSyncRunner executes one item sub-sync.
type SubSyncRunner interface {
	RunSubSync(ctx context.Context, sub openfinance.SubSync, payload openfinance.SyncPayload) error
}

// APIEventStore persists provider call records.
type APIEventStore interface {
	Record(ctx context.Context, call ofclient.APICall) error
}

// WebhookMux routes webhooks queue jobs.
func WebhookMux(dispatcher Dispatcher) *queue.Mux {
	mux := queue.NewMux()
	mux.RegisterFunc(webhook.JobProcessWebhook, func(ctx context.Context, job *queue.Job) error {
		var payload webhook.JobPayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		return dispatcher.Dispatch(ctx, &payload.Webhook)
	})
	return mux
}

// ItemSyncMux routes item-sync queue jobs, one job type per sub-sync.
func ItemSyncMux(runner SubSyncRunner) *queue.Mux {
	mux := queue.NewMux()
	for _, sub := range openfinance.AllSubSyncs {
		mux.RegisterFunc(sub.JobType(), func(ctx context.Context, job *queue.Job) error {
			var payload openfinance.SyncPayload
			if err := job.Decode(&payload); err != nil {
				return err
			}
			return runner.RunSubSync(ctx, sub, payload)
		})
	}
	return mux
}

// LoggingMux routes logging queue jobs. With a nil store, records are
// written to the process log instead.
func LoggingMux(store APIEventStore, logger *zap.Logger) *queue.Mux {
	logger = logger.Named("api-events")
	mux := queue.NewMux()
	mux.RegisterFunc(ofclient.JobLogAPICall, func(ctx context.Context, job *queue.Job) error {
		var payload ofclient.LogPayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		call := payload.Log

		if store == nil {
			logger.Info("provider call",
				zap.String("method", call.Method),
				zap.String("item_id", call.ItemID),
				zap.String("request_id", call.RequestID),
				zap.Int("status", call.StatusCode),
				zap.Int64("duration_ms", call.DurationMs),
				zap.String("error_code", call.ErrorCode),
			)
			return nil
		}
		if err := store.Record(ctx, call); err != nil {
			return fmt.Errorf("failed to record api call %s: %w", call.Method, err)
		}
		return nil
	})
	return mux
}
