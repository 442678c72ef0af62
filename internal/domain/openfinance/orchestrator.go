package openfinance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"finsync/internal/domain/item"
	"finsync/internal/domain/notification"
	ofclient "finsync/internal/infrastructure/openfinance"
	"finsync/internal/queue"
)

const DefaultCooldown = 3 * time.Hour

// SubSync names one independently refreshable data product of an item.
type SubSync string

const (
	SubSyncTransactions SubSync = "transactions"
	SubSyncInvestments  SubSync = "investments"
	SubSyncLiabilities  SubSync = "liabilities"
	SubSyncBalances     SubSync = "balances"
)

// AllSubSyncs lists every sub-sync in execution order.
var AllSubSyncs = []SubSync{SubSyncTransactions, SubSyncInvestments, SubSyncLiabilities, SubSyncBalances}

// JobType is the item-sync queue job type that runs s.
func (s SubSync) JobType() string {
	return "sync_" + string(s)
}

// ParseSubSync resolves a sub-sync by name.
func ParseSubSync(name string) (SubSync, error) {
	for _, s := range AllSubSyncs {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSubSync, name)
}

func (s SubSync) refreshKind() item.RefreshKind {
	if s == SubSyncTransactions {
		return item.RefreshTransactions
	}
	return item.RefreshOverall
}

// RefreshOptions selects the sub-syncs of a refresh.
type RefreshOptions struct {
	Transactions      bool
	Investments       bool
	Liabilities       bool
	Balances          bool
	SyncAccountsFirst bool
	// BypassCooldown is set for provider-initiated refreshes.
	BypassCooldown bool
}

// AllProducts requests every sub-sync.
func AllProducts() RefreshOptions {
	return RefreshOptions{Transactions: true, Investments: true, Liabilities: true, Balances: true}
}

// ParseProducts builds options from sub-sync names. No names means every product.
func ParseProducts(names []string) (RefreshOptions, error) {
	if len(names) == 0 {
		return AllProducts(), nil
	}

	var opts RefreshOptions
	for _, name := range names {
		sub, err := ParseSubSync(name)
		if err != nil {
			return RefreshOptions{}, err
		}
		switch sub {
		case SubSyncTransactions:
			opts.Transactions = true
		case SubSyncInvestments:
			opts.Investments = true
		case SubSyncLiabilities:
			opts.Liabilities = true
		case SubSyncBalances:
			opts.Balances = true
		}
	}
	return opts, nil
}

func (o RefreshOptions) SubSyncs() []SubSync {
	var subs []SubSync
	if o.Transactions {
		subs = append(subs, SubSyncTransactions)
	}
	if o.Investments {
		subs = append(subs, SubSyncInvestments)
	}
	if o.Liabilities {
		subs = append(subs, SubSyncLiabilities)
	}
	if o.Balances {
		subs = append(subs, SubSyncBalances)
	}
	return subs
}

// SyncPayload is the item-sync job payload.
type SyncPayload struct {
	Item              item.Ref `json:"item"`
	SyncAccountsFirst bool     `json:"syncAccountsFirst"`
}

type EnqueuedSync struct {
	SubSync SubSync `json:"subSync"`
	JobID   string  `json:"jobId"`
}

type RefreshResult struct {
	ItemID string         `json:"itemId"`
	Jobs   []EnqueuedSync `json:"jobs"`
}

// HealthNotifier records item health notifications.
type HealthNotifier interface {
	Notify(ctx context.Context, it *item.Item, event notification.Event) (*notification.Notification, error)
}

// OrchestratorDeps groups the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Items        item.Repository
	Enqueuer     queue.Enqueuer
	Accounts     *AccountSyncService
	Transactions *TransactionSyncEngine
	Investments  *InvestmentSyncService
	Liabilities  *LiabilitySyncService
	Notifier     HealthNotifier
}

// Orchestrator decides which sub-syncs of an item run and executes them
// from the item-sync queue.
type Orchestrator struct {
	OrchestratorDeps
	cooldown time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewOrchestrator(deps OrchestratorDeps, cooldown time.Duration, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		OrchestratorDeps: deps,
		cooldown:         cooldown,
		now:              time.Now,
		logger:           logger.Named("orchestrator"),
	}
}

// Refresh enqueues one item-sync job per requested sub-sync. Inside the
// cooldown window it returns *RateLimitedError and enqueues nothing.
func (o *Orchestrator) Refresh(ctx context.Context, it *item.Item, opts RefreshOptions) (*RefreshResult, error) {
	subs := opts.SubSyncs()
	if len(subs) == 0 {
		return nil, ErrNothingToRefresh
	}
	if !it.Active {
		return nil, fmt.Errorf("item %s: %w", it.ID, item.ErrItemInactive)
	}

	if !opts.BypassCooldown {
		if wait := o.cooldownRemaining(it, subs); wait > 0 {
			o.logger.Info("refresh rejected by cooldown",
				zap.String("item_id", it.ID), zap.Duration("retry_after", wait))
			return nil, &RateLimitedError{RetryAfter: wait}
		}
	}

	payload := SyncPayload{Item: it.Ref(), SyncAccountsFirst: opts.SyncAccountsFirst}
	result := &RefreshResult{ItemID: it.ID}
	for _, sub := range subs {
		job, err := o.Enqueuer.Enqueue(ctx, queue.ItemSync, sub.JobType(), payload,
			queue.WithDedupKey(syncDedupKey(it.ID, sub, opts.SyncAccountsFirst)))
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue %s sync for item %s: %w", sub, it.ID, err)
		}
		result.Jobs = append(result.Jobs, EnqueuedSync{SubSync: sub, JobID: job.ID})
	}

	o.logger.Info("refresh enqueued",
		zap.String("item_id", it.ID),
		zap.Int("jobs", len(result.Jobs)),
		zap.Bool("bypass_cooldown", opts.BypassCooldown),
	)
	return result, nil
}

// syncDedupKey collapses pending jobs with the same payload. A job that
// syncs accounts first never folds into one that does not.
func syncDedupKey(itemID string, sub SubSync, accountsFirst bool) string {
	key := itemID + ":" + string(sub)
	if accountsFirst {
		key += ":accounts-first"
	}
	return key
}

// cooldownRemaining returns the longest remaining wait among the timestamps
// the requested sub-syncs are compared against.
func (o *Orchestrator) cooldownRemaining(it *item.Item, subs []SubSync) time.Duration {
	if o.cooldown <= 0 {
		return 0
	}
	now := o.now()
	var wait time.Duration
	check := func(last *time.Time) {
		if last == nil {
			return
		}
		if rem := o.cooldown - now.Sub(*last); rem > wait {
			wait = rem
		}
	}
	for _, s := range subs {
		if s == SubSyncTransactions {
			check(it.TransactionsLastRefreshedAt)
		} else {
			check(it.LastRefreshedAt)
		}
	}
	return wait
}

// RunSubSync executes one sub-sync job. Returned errors follow the queue
// contract: plain errors are retried, queue.Permanent errors are not.
func (o *Orchestrator) RunSubSync(ctx context.Context, sub SubSync, payload SyncPayload) error {
	it, err := o.Items.GetByID(ctx, payload.Item.ID)
	if err != nil {
		if errors.Is(err, item.ErrItemNotFound) {
			return queue.Permanent(err)
		}
		return fmt.Errorf("failed to load item %s: %w", payload.Item.ID, err)
	}
	if it.UserID != payload.Item.UserID {
		return queue.Permanent(fmt.Errorf("item %s: %w", it.ID, item.ErrForbidden))
	}
	if !it.Active {
		o.logger.Info("item inactive, dropping sync", zap.String("item_id", it.ID), zap.String("sub_sync", string(sub)))
		return nil
	}

	ctx = ofclient.ContextWithItemID(ctx, it.ID)

	if payload.SyncAccountsFirst {
		if _, err := o.Accounts.SyncAccounts(ctx, it); err != nil {
			return o.handleFailure(ctx, it, sub, err)
		}
	}

	skipped, err := o.run(ctx, sub, it)
	if errors.Is(err, ErrUnknownAccount) && !payload.SyncAccountsFirst {
		o.logger.Info("syncing accounts before retrying transactions", zap.String("item_id", it.ID))
		if _, aerr := o.Accounts.SyncAccounts(ctx, it); aerr != nil {
			return o.handleFailure(ctx, it, sub, aerr)
		}
		skipped, err = o.run(ctx, sub, it)
	}
	if err != nil {
		return o.handleFailure(ctx, it, sub, err)
	}
	if skipped {
		return nil
	}

	if err := o.Items.MarkRefreshed(ctx, it.ID, sub.refreshKind(), o.now()); err != nil {
		return fmt.Errorf("failed to stamp refresh for item %s: %w", it.ID, err)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, sub SubSync, it *item.Item) (bool, error) {
	switch sub {
	case SubSyncTransactions:
		res, err := o.Transactions.SyncTransactions(ctx, it)
		if err != nil {
			return false, err
		}
		return res.Skipped, nil
	case SubSyncInvestments:
		res, err := o.Investments.SyncInvestments(ctx, it)
		if err != nil {
			return false, err
		}
		return res.Skipped, nil
	case SubSyncLiabilities:
		res, err := o.Liabilities.SyncLiabilities(ctx, it)
		if err != nil {
			return false, err
		}
		return res.Skipped, nil
	case SubSyncBalances:
		res, err := o.Accounts.SyncBalances(ctx, it)
		if err != nil {
			return false, err
		}
		return res.Skipped, nil
	default:
		return false, queue.Permanent(fmt.Errorf("%w: %q", ErrUnknownSubSync, sub))
	}
}

// handleFailure maps a sub-sync error onto the job result. Connection
// failures flag the item and complete the job.
func (o *Orchestrator) handleFailure(ctx context.Context, it *item.Item, sub SubSync, err error) error {
	log := o.logger.With(zap.String("item_id", it.ID), zap.String("sub_sync", string(sub)))

	if errors.Is(err, ErrSyncInProgress) {
		log.Info("sync already running for item, will retry")
		return err
	}
	if errors.Is(err, ErrMissingCredential) || queue.IsPermanent(err) {
		return queue.Permanent(err)
	}

	pe, ok := AsProviderError(err)
	if !ok {
		return err
	}

	switch pe.Kind {
	case OutcomeTransient:
		log.Warn("transient provider error", zap.String("code", pe.Code), zap.Error(err))
		return err
	case OutcomeConnection:
		log.Warn("item connection unhealthy", zap.String("code", pe.Code), zap.Error(err))
		return o.markUnhealthy(ctx, it, pe.Code)
	default:
		log.Error("sub-sync failed", zap.Stringer("kind", pe.Kind), zap.String("code", pe.Code), zap.Error(err))
		return queue.Permanent(err)
	}
}

func (o *Orchestrator) markUnhealthy(ctx context.Context, it *item.Item, code string) error {
	if err := o.Items.UpdateHealthy(ctx, it.ID, false); err != nil {
		return fmt.Errorf("failed to mark item %s unhealthy: %w", it.ID, err)
	}

	event := notification.EventConnectionError
	switch code {
	case ofclient.CodeItemLoginRequired, ofclient.CodeAccessNotGranted:
		event = notification.EventLoginRequired
	}
	if _, err := o.Notifier.Notify(ctx, it, event); err != nil {
		return fmt.Errorf("failed to notify item %s health: %w", it.ID, err)
	}
	return nil
}
