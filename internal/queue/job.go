// Package queue provides durable named job queues with typed dispatch,
// retry with backoff and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Queue names. Each maps to one domain.
const (
	Webhooks = "webhooks"
	ItemSync = "item-sync"
	Logging  = "logging"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

var (
	ErrNoJob          = errors.New("no job available")
	ErrJobNotFound    = errors.New("job not found")
	ErrUnknownJobType = errors.New("unknown job type")
	ErrInvalidPayload = errors.New("invalid job payload")
)

const DefaultMaxAttempts = 5

type Job struct {
	ID          string
	Queue       string
	Type        string
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	DedupKey    string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Exhausted reports whether the job has used all of its attempts.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// Decode unmarshals the payload into v and validates its struct tags.
// Any failure is permanent: a malformed payload will not improve on retry.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 || string(j.Payload) == "null" {
		return Permanent(fmt.Errorf("%w: empty payload for %s", ErrInvalidPayload, j.Type))
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	if err := payloadValidator.Struct(v); err != nil {
		return Permanent(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	return nil
}

type enqueueOptions struct {
	dedupKey    string
	delay       time.Duration
	maxAttempts int
}

type EnqueueOption func(*enqueueOptions)

// WithDedupKey coalesces the job with an identical pending job on the same queue.
func WithDedupKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.dedupKey = key }
}

func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// Broker persists jobs and hands them out to consumers.
type Broker interface {
	// Enqueue stores job and fills in its ID. When job.DedupKey matches a
	// pending job on the same queue, the existing job is returned instead.
	Enqueue(ctx context.Context, job *Job) (*Job, error)
	// Claim marks the next runnable job as running and increments its
	// attempt count. It returns ErrNoJob when the queue is empty.
	Claim(ctx context.Context, queue, owner string) (*Job, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error
	DeadLetter(ctx context.Context, id string, lastErr string) error
}

// Enqueuer is the producer side used by domain services.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, jobType string, payload any, opts ...EnqueueOption) (*Job, error)
}

// Client marshals payloads and applies defaults before handing jobs to a Broker.
type Client struct {
	broker      Broker
	maxAttempts int
	now         func() time.Time
}

func NewClient(broker Broker, maxAttempts int) *Client {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Client{broker: broker, maxAttempts: maxAttempts, now: time.Now}
}

var _ Enqueuer = (*Client)(nil)

func (c *Client) Enqueue(ctx context.Context, queue, jobType string, payload any, opts ...EnqueueOption) (*Job, error) {
	if queue == "" || jobType == "" {
		return nil, fmt.Errorf("queue and job type are required")
	}

	o := enqueueOptions{maxAttempts: c.maxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Type:        jobType,
		Payload:     raw,
		Status:      StatusPending,
		MaxAttempts: o.maxAttempts,
		RunAt:       c.now().Add(o.delay),
		DedupKey:    o.dedupKey,
	}

	stored, err := c.broker.Enqueue(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s on %s: %w", jobType, queue, err)
	}
	return stored, nil
}
