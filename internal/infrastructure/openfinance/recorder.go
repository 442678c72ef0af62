package openfinance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"finsync/internal/queue"
)

// JobLogAPICall is the logging-queue job type for provider call records.
const JobLogAPICall = "log_api_call"

// APICall is one provider request as written to the logging queue.
type APICall struct {
	Method     string    `json:"method" validate:"required"`
	ItemID     string    `json:"itemId,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	StatusCode int       `json:"statusCode"`
	DurationMs int64     `json:"durationMs"`
	ErrorType  string    `json:"errorType,omitempty"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	OccurredAt time.Time `json:"occurredAt" validate:"required"`
}

// LogPayload is the logging job payload.
type LogPayload struct {
	Log APICall `json:"log" validate:"required"`
}

// Recorder receives a record of every provider call.
type Recorder interface {
	Record(ctx context.Context, call APICall)
}

type itemIDKey struct{}

// ContextWithItemID tags provider calls made with ctx with the item they serve.
func ContextWithItemID(ctx context.Context, itemID string) context.Context {
	return context.WithValue(ctx, itemIDKey{}, itemID)
}

func ItemIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(itemIDKey{}).(string)
	return id
}

// QueueRecorder enqueues call records on the logging queue. Enqueue failures
// are logged and dropped so logging never fails a sync.
type QueueRecorder struct {
	enqueuer queue.Enqueuer
	logger   *zap.Logger
	timeout  time.Duration
}

func NewQueueRecorder(enqueuer queue.Enqueuer, logger *zap.Logger) *QueueRecorder {
	return &QueueRecorder{enqueuer: enqueuer, logger: logger.Named("api-recorder"), timeout: 2 * time.Second}
}

var _ Recorder = (*QueueRecorder)(nil)

func (r *QueueRecorder) Record(ctx context.Context, call APICall) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if _, err := r.enqueuer.Enqueue(ctx, queue.Logging, JobLogAPICall, LogPayload{Log: call}); err != nil {
		r.logger.Warn("failed to enqueue api call record",
			zap.String("method", call.Method),
			zap.String("item_id", call.ItemID),
			zap.Error(err),
		)
	}
}
