package worker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	maintTracer      = otel.Tracer("finsync/worker")
	maintMeter       = otel.Meter("finsync/worker")
	jobsRequeued, _  = maintMeter.Int64Counter("queue.job.requeued_stale", metric.WithDescription("Running jobs returned to pending after their lock went stale"))
	recordsPurged, _ = maintMeter.Int64Counter("maintenance.records.purged", metric.WithDescription("Finished jobs and event records deleted by retention"))
)

// JobJanitor recovers and prunes jobs.
type JobJanitor interface {
	// RequeueStale returns running jobs locked for longer than olderThan to pending.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
	// PurgeFinished deletes completed jobs last updated before cutoff.
	PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventPurger deletes stored events older than cutoff.
type EventPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type MaintenanceConfig struct {
	Interval time.Duration
	// StaleAfter is how long a running job may hold its lock. It should
	// exceed the job timeout.
	StaleAfter time.Duration
	// Retention bounds finished jobs and stored events. Zero keeps them.
	Retention time.Duration
}

// Maintenance periodically requeues jobs abandoned by crashed workers and
// applies retention.
type Maintenance struct {
	cfg     MaintenanceConfig
	janitor JobJanitor
	purgers map[string]EventPurger
	logger  *zap.Logger
	now     func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewMaintenance(janitor JobJanitor, purgers map[string]EventPurger, cfg MaintenanceConfig, logger *zap.Logger) *Maintenance {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Maintenance{
		cfg:     cfg,
		janitor: janitor,
		purgers: purgers,
		logger:  logger.Named("maintenance"),
		now:     time.Now,
	}
}

// Start runs one pass immediately and then every Interval until Stop.
func (m *Maintenance) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunOnce(ctx)
			}
		}
	}()
	m.logger.Info("maintenance started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("stale_after", m.cfg.StaleAfter),
		zap.Duration("retention", m.cfg.Retention),
	)
}

func (m *Maintenance) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// RunOnce performs a single maintenance pass. Failures are logged.
func (m *Maintenance) RunOnce(ctx context.Context) {
	ctx, span := maintTracer.Start(ctx, "maintenance.run")
	defer span.End()

	n, err := m.janitor.RequeueStale(ctx, m.cfg.StaleAfter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("failed to requeue stale jobs", zap.Error(err))
	} else if n > 0 {
		jobsRequeued.Add(ctx, n)
		m.logger.Warn("requeued stale jobs", zap.Int64("count", n))
	}

	if m.cfg.Retention <= 0 {
		return
	}
	cutoff := m.now().Add(-m.cfg.Retention)

	if n, err := m.janitor.PurgeFinished(ctx, cutoff); err != nil {
		m.logger.Error("failed to purge finished jobs", zap.Error(err))
	} else if n > 0 {
		recordsPurged.Add(ctx, n, metric.WithAttributes(attribute.String("table", "jobs")))
	}

	for name, p := range m.purgers {
		n, err := p.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			m.logger.Error("failed to purge events", zap.String("table", name), zap.Error(err))
			continue
		}
		if n > 0 {
			recordsPurged.Add(ctx, n, metric.WithAttributes(attribute.String("table", name)))
			m.logger.Info("purged events", zap.String("table", name), zap.Int64("count", n))
		}
	}
}
