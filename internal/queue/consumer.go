package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	jobTracer      = otel.Tracer("finsync/queue")
	jobMeter       = otel.Meter("finsync/queue")
	jobDuration, _ = jobMeter.Float64Histogram("queue.job.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _    = jobMeter.Int64Counter("queue.job.total", metric.WithDescription("Total jobs executed by queue and status"))
)

// Hooks observe job outcomes. Any field may be nil.
type Hooks struct {
	OnComplete func(ctx context.Context, job *Job, elapsed time.Duration)
	// OnFailed runs for every failed attempt. retryAt is nil when the job
	// will not be retried.
	OnFailed     func(ctx context.Context, job *Job, err error, retryAt *time.Time)
	OnDeadLetter func(ctx context.Context, job *Job, err error)
}

// LoggingHooks writes one structured log line per job outcome.
func LoggingHooks(logger *zap.Logger) Hooks {
	return Hooks{
		OnComplete: func(_ context.Context, job *Job, elapsed time.Duration) {
			logger.Info("job completed", jobFields(job, zap.Duration("duration", elapsed))...)
		},
		OnFailed: func(_ context.Context, job *Job, err error, retryAt *time.Time) {
			fields := jobFields(job, zap.Error(err))
			if retryAt != nil {
				logger.Warn("job failed, will retry", append(fields, zap.Time("retry_at", *retryAt))...)
				return
			}
			logger.Error("job failed permanently", fields...)
		},
		OnDeadLetter: func(_ context.Context, job *Job, err error) {
			logger.Error("job dead-lettered", jobFields(job, zap.Error(err))...)
		},
	}
}

func jobFields(job *Job, extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
	}, extra...)
}

type ConsumerConfig struct {
	Queue        string
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration
	RetryBackoff time.Duration
}

type ConsumerOption func(*Consumer)

func WithHooks(h Hooks) ConsumerOption {
	return func(c *Consumer) { c.hooks = append(c.hooks, h) }
}

// WithWakeup lets the consumer skip the poll interval when a signal arrives.
func WithWakeup(ch <-chan struct{}) ConsumerOption {
	return func(c *Consumer) { c.wake = ch }
}

// Consumer runs a fixed pool of workers that claim jobs from one queue.
type Consumer struct {
	cfg     ConsumerConfig
	broker  Broker
	handler Handler
	logger  *zap.Logger
	hooks   []Hooks
	wake    <-chan struct{}
	owner   string
	now     func() time.Time

	wg     sync.WaitGroup
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewConsumer(broker Broker, handler Handler, cfg ConsumerConfig, logger *zap.Logger, opts ...ConsumerOption) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}

	host, _ := os.Hostname()
	logger = logger.Named("queue").With(zap.String("queue", cfg.Queue))

	c := &Consumer{
		cfg:     cfg,
		broker:  broker,
		handler: handler,
		logger:  logger,
		hooks:   []Hooks{LoggingHooks(logger)},
		owner:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the worker goroutines. Jobs run under a context derived
// from ctx.
func (c *Consumer) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("starting consumer", zap.Int("workers", c.cfg.Workers))

	for i := 1; i <= c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
}

func (c *Consumer) worker(id int) {
	defer c.wg.Done()
	owner := fmt.Sprintf("%s/%s/%d", c.owner, c.cfg.Queue, id)

	for {
		select {
		case <-c.stop:
			return
		case <-c.ctx.Done():
			return
		default:
		}

		job, err := c.broker.Claim(c.ctx, c.cfg.Queue, owner)
		if err != nil {
			if !errors.Is(err, ErrNoJob) && c.ctx.Err() == nil {
				c.logger.Error("failed to claim job", zap.Int("worker", id), zap.Error(err))
			}
			if !c.idle() {
				return
			}
			continue
		}

		c.process(id, job)
	}
}

// idle waits for a wake-up signal or the poll interval. It returns false
// when the consumer is stopping.
func (c *Consumer) idle() bool {
	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-c.stop:
		return false
	case <-c.ctx.Done():
		return false
	case <-c.wake:
		return true
	case <-timer.C:
		return true
	}
}

// process runs one job and records its outcome with the broker.
func (c *Consumer) process(workerID int, job *Job) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.JobTimeout)
	defer cancel()

	ctx, span := jobTracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("job.id", job.ID),
			attribute.String("job.queue", job.Queue),
			attribute.String("job.type", job.Type),
			attribute.Int("job.attempt", job.Attempts),
		),
	)
	defer span.End()

	start := c.now()
	err := c.safeHandle(ctx, job)
	elapsed := c.now().Sub(start)
	jobDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("queue", job.Queue)))

	// Broker updates use the consumer context so a timed-out job can still
	// be recorded as failed.
	if err == nil {
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", job.Queue), attribute.String("status", "success")))
		if cerr := c.broker.Complete(c.ctx, job.ID); cerr != nil {
			c.logger.Error("failed to mark job complete", zap.String("job_id", job.ID), zap.Error(cerr))
		}
		for _, h := range c.hooks {
			if h.OnComplete != nil {
				h.OnComplete(ctx, job, elapsed)
			}
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if IsPermanent(err) || job.Exhausted() {
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", job.Queue), attribute.String("status", "dead")))
		if derr := c.broker.DeadLetter(c.ctx, job.ID, err.Error()); derr != nil {
			c.logger.Error("failed to dead-letter job", zap.String("job_id", job.ID), zap.Error(derr))
		}
		job.Status = StatusDead
		job.LastError = err.Error()
		for _, h := range c.hooks {
			if h.OnFailed != nil {
				h.OnFailed(ctx, job, err, nil)
			}
			if h.OnDeadLetter != nil {
				h.OnDeadLetter(ctx, job, err)
			}
		}
		return
	}

	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", job.Queue), attribute.String("status", "retry")))
	retryAt := c.now().Add(Backoff(c.cfg.RetryBackoff, job.Attempts))
	if rerr := c.broker.Retry(c.ctx, job.ID, retryAt, err.Error()); rerr != nil {
		c.logger.Error("failed to schedule retry", zap.String("job_id", job.ID), zap.Error(rerr))
	}
	for _, h := range c.hooks {
		if h.OnFailed != nil {
			h.OnFailed(ctx, job, err, &retryAt)
		}
	}
}

// safeHandle converts a handler panic into a permanent failure.
func (c *Consumer) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return c.handler.Handle(ctx, job)
}

// Shutdown stops claiming new jobs and waits for in-flight jobs to finish.
func (c *Consumer) Shutdown() {
	close(c.stop)
	c.wg.Wait()
	c.cancel()
	c.logger.Info("consumer stopped")
}

// ShutdownWithTimeout is Shutdown with a deadline, after which in-flight
// jobs are cancelled.
func (c *Consumer) ShutdownWithTimeout(timeout time.Duration) {
	close(c.stop)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("consumer stopped")
	case <-time.After(timeout):
		c.logger.Warn("shutdown timeout reached, cancelling in-flight jobs")
		c.cancel()
		<-done
	}
	c.cancel()
}
