package openfinance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"finsync/internal/domain/account"
	"finsync/internal/domain/item"
	"finsync/internal/domain/transaction"
	ofclient "finsync/internal/infrastructure/openfinance"
)

const (
	defaultConflictBackoff = 5 * time.Second
	defaultLockTTL         = 5 * time.Minute
	// maxSyncAttempts bounds the pagination-conflict retry: the first
	// attempt plus one restart from the original cursor.
	maxSyncAttempts = 2
)

// TransactionSyncResult reports one incremental transaction sync.
type TransactionSyncResult struct {
	ItemID          string
	Added           int
	Modified        int
	Removed         int
	Pages           int
	Attempts        int
	CarriedOverlays int
	NextCursor      string
	Skipped         bool
}

// Changed reports whether the sync touched any rows.
func (r *TransactionSyncResult) Changed() bool {
	return r.Added+r.Modified+r.Removed > 0
}

type TransactionSyncConfig struct {
	ConflictBackoff time.Duration
	LockTTL         time.Duration
}

// TransactionSyncEngine performs cursor-based incremental transaction pulls.
type TransactionSyncEngine struct {
	client      ofclient.ClientInterface
	itemRepo    item.Repository
	accountRepo account.Repository
	txRepo      transaction.Repository
	locker      Locker
	cfg         TransactionSyncConfig
	logger      *zap.Logger
	// wait blocks for d or until ctx is done.
	wait func(ctx context.Context, d time.Duration) error
}

func NewTransactionSyncEngine(
	client ofclient.ClientInterface,
	itemRepo item.Repository,
	accountRepo account.Repository,
	txRepo transaction.Repository,
	locker Locker,
	cfg TransactionSyncConfig,
	logger *zap.Logger,
) *TransactionSyncEngine {
	if cfg.ConflictBackoff <= 0 {
		cfg.ConflictBackoff = defaultConflictBackoff
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &TransactionSyncEngine{
		client:      client,
		itemRepo:    itemRepo,
		accountRepo: accountRepo,
		txRepo:      txRepo,
		locker:      locker,
		cfg:         cfg,
		logger:      logger.Named("transaction-sync"),
		wait:        sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pulled is the accumulation of every page of one sync attempt.
type pulled struct {
	added    []ofclient.Transaction
	modified []ofclient.Transaction
	removed  []string
	cursor   string
	pages    int
}

// SyncTransactions pulls all pending changes for the item, applies them and
// advances the stored cursor. Concurrent syncs of one item are rejected with
// ErrSyncInProgress.
func (e *TransactionSyncEngine) SyncTransactions(ctx context.Context, it *item.Item) (*TransactionSyncResult, error) {
	release, err := e.locker.Acquire(ctx, transactionsLockKey(it.ID), e.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, fmt.Errorf("item %s: %w", it.ID, ErrSyncInProgress)
		}
		return nil, fmt.Errorf("failed to acquire sync lock for item %s: %w", it.ID, err)
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			e.logger.Warn("failed to release sync lock", zap.String("item_id", it.ID), zap.Error(rerr))
		}
	}()

	// The cursor may have moved while the job waited for the lock.
	current, err := e.itemRepo.GetByID(ctx, it.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload item %s: %w", it.ID, err)
	}
	if current.AccessToken == "" {
		return nil, fmt.Errorf("item %s: %w", it.ID, ErrMissingCredential)
	}
	originalCursor := current.CurrentCursor()

	result := &TransactionSyncResult{ItemID: it.ID}
	var page *pulled

	for attempt := 0; attempt < maxSyncAttempts; attempt++ {
		result.Attempts = attempt + 1

		var out Outcome[*pulled]
		page, out = e.pull(ctx, current.AccessToken, originalCursor)
		if out.Kind == OutcomeOK {
			break
		}

		switch out.Kind {
		case OutcomeSkip:
			e.logger.Info("transactions not supported for item, skipping",
				zap.String("item_id", it.ID), zap.String("code", out.Code()))
			result.Skipped = true
			return result, nil
		case OutcomeConflict:
			if attempt+1 < maxSyncAttempts {
				e.logger.Warn("pagination conflict, restarting from original cursor",
					zap.String("item_id", it.ID),
					zap.Duration("backoff", e.cfg.ConflictBackoff),
				)
				if err := e.wait(ctx, e.cfg.ConflictBackoff); err != nil {
					return nil, fmt.Errorf("conflict backoff interrupted: %w", err)
				}
				continue
			}
		}
		return nil, out.Error("transactions sync")
	}

	return e.apply(ctx, current, page, result)
}

// pull walks every page starting at cursor. Nothing is written.
func (e *TransactionSyncEngine) pull(ctx context.Context, accessToken, cursor string) (*pulled, Outcome[*pulled]) {
	acc := &pulled{cursor: cursor}
	for {
		out := Fetch(func() (*ofclient.TransactionsSyncResponse, error) {
			return e.client.SyncTransactions(ctx, accessToken, acc.cursor, 0)
		})
		if out.Kind != OutcomeOK {
			return nil, Outcome[*pulled]{Kind: out.Kind, Err: out.Err}
		}

		resp := out.Value
		acc.pages++
		acc.added = append(acc.added, resp.Added...)
		acc.modified = append(acc.modified, resp.Modified...)
		for _, r := range resp.Removed {
			acc.removed = append(acc.removed, r.TransactionID)
		}
		acc.cursor = resp.NextCursor

		if !resp.HasMore {
			return acc, Outcome[*pulled]{Kind: OutcomeOK, Value: acc}
		}
	}
}

func (e *TransactionSyncEngine) apply(ctx context.Context, it *item.Item, p *pulled, result *TransactionSyncResult) (*TransactionSyncResult, error) {
	accounts, err := e.accountRepo.ListByItemID(ctx, it.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts for item %s: %w", it.ID, err)
	}
	known := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		known[a.ID] = struct{}{}
	}

	if missing := unknownAccounts(known, p.added, p.modified); len(missing) > 0 {
		e.logger.Warn("batch references unknown accounts, cursor not advanced",
			zap.String("item_id", it.ID), zap.Strings("account_ids", missing))
		return nil, fmt.Errorf("item %s: %w: %s", it.ID, ErrUnknownAccount, strings.Join(missing, ", "))
	}

	added, err := convertTransactions(it, p.added)
	if err != nil {
		return nil, err
	}
	modified, err := convertTransactions(it, p.modified)
	if err != nil {
		return nil, err
	}

	upserts := transaction.MergeChanges(added, modified, p.removed)
	if len(upserts) > 0 {
		overlays, err := e.txRepo.GetOverlays(ctx, transaction.OverlayLookupIDs(upserts))
		if err != nil {
			return nil, fmt.Errorf("failed to load transaction overlays: %w", err)
		}
		result.CarriedOverlays = transaction.CarryOverlay(upserts, overlays)
	}

	batch := transaction.SyncBatch{
		ItemID:     it.ID,
		Upserts:    upserts,
		RemovedIDs: p.removed,
		NextCursor: p.cursor,
	}
	if err := e.txRepo.ApplySync(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to apply transaction sync for item %s: %w", it.ID, err)
	}

	result.Added = len(added)
	result.Modified = len(modified)
	result.Removed = len(p.removed)
	result.Pages = p.pages
	result.NextCursor = p.cursor

	e.logger.Info("transactions synced",
		zap.String("item_id", it.ID),
		zap.Int("added", result.Added),
		zap.Int("modified", result.Modified),
		zap.Int("removed", result.Removed),
		zap.Int("pages", result.Pages),
		zap.Int("attempts", result.Attempts),
	)
	return result, nil
}

// unknownAccounts returns the distinct account ids in batches that are not in known.
func unknownAccounts(known map[string]struct{}, batches ...[]ofclient.Transaction) []string {
	var missing []string
	seen := make(map[string]struct{})
	for _, batch := range batches {
		for i := range batch {
			id := batch[i].AccountID
			if _, ok := known[id]; ok {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			missing = append(missing, id)
		}
	}
	return missing
}

// convertTransactions maps provider transactions onto the item.
func convertTransactions(it *item.Item, src []ofclient.Transaction) ([]*transaction.Transaction, error) {
	out := make([]*transaction.Transaction, 0, len(src))
	for i := range src {
		t := &src[i]
		date, err := t.GetDate()
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", t.TransactionID, err)
		}
		authorized, err := t.GetAuthorizedDate()
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", t.TransactionID, err)
		}

		var pendingID *string
		if t.PendingTransactionID != nil && *t.PendingTransactionID != "" {
			id := *t.PendingTransactionID
			pendingID = &id
		}

		out = append(out, &transaction.Transaction{
			ID:                   t.TransactionID,
			AccountID:            t.AccountID,
			ItemID:               it.ID,
			Amount:               t.Amount,
			IsoCurrency:          t.IsoCurrency,
			Date:                 date,
			AuthorizedDate:       authorized,
			Name:                 t.Name,
			MerchantName:         t.MerchantName,
			Category:             strings.Join(t.Category, " > "),
			Pending:              t.Pending,
			PendingTransactionID: pendingID,
		})
	}
	return out, nil
}
