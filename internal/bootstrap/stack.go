// Package bootstrap assembles the process-wide object graph shared by the
// api and worker binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"finsync/internal/domain/account"
	"finsync/internal/domain/investment"
	"finsync/internal/domain/item"
	"finsync/internal/domain/liability"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/openfinance"
	"finsync/internal/domain/transaction"
	"finsync/internal/domain/webhook"
	"finsync/internal/infrastructure/archive"
	"finsync/internal/infrastructure/crypto"
	"finsync/internal/infrastructure/firebase"
	"finsync/internal/infrastructure/inmemory"
	ofclient "finsync/internal/infrastructure/openfinance"
	"finsync/internal/infrastructure/postgres"
	"finsync/internal/infrastructure/postgres/listener"
	"finsync/internal/infrastructure/redisstore"
	httphandlers "finsync/internal/interfaces/http"
	"finsync/internal/interfaces/worker"
	"finsync/internal/queue"
	"finsync/internal/shared/config"
	"finsync/internal/shared/messages"
)

// Stack holds the initialized components of one process.
type Stack struct {
	Config *config.Config
	Logger *zap.Logger

	// DB and Redis are nil with the memory backend.
	DB    *postgres.DB
	Redis *redis.Client

	Broker        queue.Broker
	Queue         *queue.Client
	Items         item.Repository
	Notifications *notification.Service
	Orchestrator  *openfinance.Orchestrator
	Dispatcher    *webhook.Dispatcher
	Intake        *webhook.Intake

	apiEvents     *postgres.APIEventRepository
	webhookEvents *postgres.WebhookEventRepository
	jobBroker     *postgres.JobBroker
	memoryBroker  *queue.MemoryBroker
	archive       *archive.DeadLetterArchive
}

type storage struct {
	items         item.Repository
	accounts      account.Repository
	transactions  transaction.Repository
	investments   investment.Repository
	liabilities   liability.Repository
	notifications notification.Repository
	locker        openfinance.Locker
	replay        webhook.ReplayGuard
	audit         webhook.AuditStore
	deactivate    firebase.TokenDeactivator
}

// New builds the stack for cfg.Queue.Backend. Callers must Close it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stack, error) {
	s := &Stack{Config: cfg, Logger: logger}

	st, err := s.openStorage(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}

	msgs, err := messages.Load(cfg.Messages.File)
	if err != nil {
		s.Close()
		return nil, err
	}

	var messenger notification.Messenger
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, st.deactivate, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		messenger = fcm
	} else {
		logger.Info("push notifications disabled")
	}

	if cfg.Archive.ArchiveEnabled() {
		s.archive, err = archive.NewDeadLetterArchive(ctx, cfg.Archive, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	s.Queue = queue.NewClient(s.Broker, cfg.Queue.MaxAttempts)
	client := ofclient.NewClient(ofclient.Config{
		ClientID:  cfg.Plaid.ClientID,
		Secret:    cfg.Plaid.Secret,
		BaseURL:   cfg.Plaid.BaseURL,
		Timeout:   cfg.Plaid.Timeout,
		RateLimit: cfg.Plaid.RateLimit,
		RateBurst: cfg.Plaid.RateBurst,
	}, ofclient.WithRecorder(ofclient.NewQueueRecorder(s.Queue, logger)))

	s.Items = st.items
	s.Notifications = notification.NewService(st.notifications, messenger, msgs, logger)

	engine := openfinance.NewTransactionSyncEngine(client, st.items, st.accounts, st.transactions, st.locker,
		openfinance.TransactionSyncConfig{ConflictBackoff: cfg.Sync.ConflictBackoff, LockTTL: cfg.Sync.LockTTL}, logger)
	s.Orchestrator = openfinance.NewOrchestrator(openfinance.OrchestratorDeps{
		Items:        st.items,
		Enqueuer:     s.Queue,
		Accounts:     openfinance.NewAccountSyncService(client, st.accounts, logger),
		Transactions: engine,
		Investments:  openfinance.NewInvestmentSyncService(client, st.investments, logger),
		Liabilities:  openfinance.NewLiabilitySyncService(client, st.liabilities, logger),
		Notifier:     s.Notifications,
	}, cfg.Sync.Cooldown, logger)
	s.Dispatcher = webhook.NewDispatcher(st.items, s.Orchestrator, s.Notifications, logger)

	verifier := webhook.NewVerifier(client,
		webhook.NewKeyCache(cfg.Webhook.KeyCacheSize, cfg.Webhook.KeyCacheTTL),
		st.replay,
		webhook.VerifierConfig{MaxTokenAge: cfg.Webhook.MaxTokenAge},
		logger)
	s.Intake = webhook.NewIntake(verifier, s.Queue, st.audit, logger)

	logger.Info("stack initialized", zap.String("backend", cfg.Queue.Backend))
	return s, nil
}

func (s *Stack) openStorage(ctx context.Context) (*storage, error) {
	if s.Config.Queue.Backend == "memory" {
		return s.openMemory(), nil
	}
	return s.openPostgres(ctx)
}

func (s *Stack) openMemory() *storage {
	store := inmemory.NewStore()
	s.memoryBroker = queue.NewMemoryBroker()
	s.Broker = s.memoryBroker
	s.Logger.Warn("using in-memory storage, data is lost on exit")

	notifications := store.Notifications()
	return &storage{
		items:         store.Items(),
		accounts:      store.Accounts(),
		transactions:  store.Transactions(),
		investments:   store.Investments(),
		liabilities:   store.Liabilities(),
		notifications: notifications,
		locker:        inmemory.NewLocker(),
		replay:        inmemory.NewReplayGuard(),
		deactivate:    notifications.DeactivateToken,
	}
}

func (s *Stack) openPostgres(ctx context.Context) (*storage, error) {
	cfg := s.Config

	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	s.DB = db
	s.Logger.Info("connected to database", zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))

	rdb, err := redisstore.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	s.Redis = rdb

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	s.jobBroker = postgres.NewJobBroker(db)
	s.Broker = s.jobBroker
	s.apiEvents = postgres.NewAPIEventRepository(db)
	s.webhookEvents = postgres.NewWebhookEventRepository(db)

	notifications := postgres.NewNotificationRepository(db)
	return &storage{
		items:         postgres.NewItemRepository(db, encryptor),
		accounts:      postgres.NewAccountRepository(db),
		transactions:  postgres.NewTransactionRepository(db),
		investments:   postgres.NewInvestmentRepository(db),
		liabilities:   postgres.NewLiabilityRepository(db),
		notifications: notifications,
		locker:        redisstore.NewLocker(rdb, ""),
		replay:        redisstore.NewReplayGuard(rdb, ""),
		audit:         s.webhookEvents,
		deactivate:    notifications.DeactivateToken,
	}, nil
}

// HealthChecks reports the reachability of the stack's backing services.
func (s *Stack) HealthChecks() map[string]httphandlers.HealthCheck {
	checks := map[string]httphandlers.HealthCheck{}
	if s.DB != nil {
		checks["postgres"] = s.DB.PingContext
	}
	if s.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return s.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases connections. It is safe on a partially built stack.
func (s *Stack) Close() {
	var errs []error
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.Logger.Warn("error closing stack", zap.Error(err))
	}
}

// Workers are the running queue consumers of a process.
type Workers struct {
	consumers   []*queue.Consumer
	listener    *listener.JobListener
	maintenance *worker.Maintenance
	timeout     time.Duration
}

// StartWorkers starts one consumer per queue. With postgres, consumers are
// woken by LISTEN/NOTIFY and stale jobs are recovered periodically.
func (s *Stack) StartWorkers(ctx context.Context) *Workers {
	cfg := s.Config.Queue
	w := &Workers{timeout: cfg.JobTimeout + 5*time.Second}

	wakeup := func(string) <-chan struct{} { return nil }
	switch {
	case s.memoryBroker != nil:
		wakeup = s.memoryBroker.Wakeup
	case s.jobBroker != nil:
		w.listener = listener.NewJobListener(s.Config.Database.ConnectionString(), postgres.JobChannel, s.Logger)
		w.listener.Start(ctx)
		wakeup = w.listener.Wakeup
	}

	var events worker.APIEventStore
	if s.apiEvents != nil {
		events = s.apiEvents
	}
	handlers := []struct {
		queue string
		mux   *queue.Mux
	}{
		{queue.Webhooks, worker.WebhookMux(s.Dispatcher)},
		{queue.ItemSync, worker.ItemSyncMux(s.Orchestrator)},
		{queue.Logging, worker.LoggingMux(events, s.Logger)},
	}
	for _, h := range handlers {
		opts := []queue.ConsumerOption{queue.WithWakeup(wakeup(h.queue))}
		if s.archive != nil {
			opts = append(opts, queue.WithHooks(s.archive.Hooks()))
		}
		c := queue.NewConsumer(s.Broker, h.mux, queue.ConsumerConfig{
			Queue:        h.queue,
			Workers:      cfg.Workers,
			PollInterval: cfg.PollInterval,
			JobTimeout:   cfg.JobTimeout,
			RetryBackoff: cfg.RetryBackoff,
		}, s.Logger, opts...)
		c.Start(ctx)
		w.consumers = append(w.consumers, c)
	}

	if s.jobBroker != nil {
		w.maintenance = worker.NewMaintenance(s.jobBroker, map[string]worker.EventPurger{
			"api_events":     s.apiEvents,
			"webhook_events": s.webhookEvents,
		}, worker.MaintenanceConfig{
			Interval:   time.Minute,
			StaleAfter: 2 * cfg.JobTimeout,
			Retention:  cfg.Retention,
		}, s.Logger)
		w.maintenance.Start(ctx)
	}
	return w
}

// Stop drains the consumers, waiting up to one job timeout for in-flight jobs.
func (w *Workers) Stop() {
	if w.maintenance != nil {
		w.maintenance.Stop()
	}
	for _, c := range w.consumers {
		c.ShutdownWithTimeout(w.timeout)
	}
	if w.listener != nil {
		w.listener.Stop()
	}
}
