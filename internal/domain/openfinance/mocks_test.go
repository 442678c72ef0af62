package openfinance

import (
	"context"
	"sync"
	"time"

	"finsync/internal/domain/account"
	"finsync/internal/domain/investment"
	"finsync/internal/domain/item"
	"finsync/internal/domain/liability"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/transaction"
	ofclient "finsync/internal/infrastructure/openfinance"
)

type MockClient struct {
	SyncTransactionsFunc          func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error)
	GetAccountsFunc               func(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error)
	GetBalancesFunc               func(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error)
	GetHoldingsFunc               func(ctx context.Context, accessToken string) (*ofclient.HoldingsResponse, error)
	GetLiabilitiesFunc            func(ctx context.Context, accessToken string) (*ofclient.LiabilitiesResponse, error)
	GetWebhookVerificationKeyFunc func(ctx context.Context, keyID string) (*ofclient.WebhookVerificationKey, error)

	mu    sync.Mutex
	calls []string
}

func (m *MockClient) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method)
}

// Calls returns the provider methods invoked so far.
func (m *MockClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockClient) SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
	m.record("transactions/sync")
	if m.SyncTransactionsFunc != nil {
		return m.SyncTransactionsFunc(ctx, accessToken, cursor, count)
	}
	return &ofclient.TransactionsSyncResponse{NextCursor: cursor}, nil
}

func (m *MockClient) GetAccounts(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error) {
	m.record("accounts/get")
	if m.GetAccountsFunc != nil {
		return m.GetAccountsFunc(ctx, accessToken)
	}
	return &ofclient.AccountsResponse{}, nil
}

func (m *MockClient) GetBalances(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error) {
	m.record("accounts/balance/get")
	if m.GetBalancesFunc != nil {
		return m.GetBalancesFunc(ctx, accessToken)
	}
	return &ofclient.AccountsResponse{}, nil
}

func (m *MockClient) GetHoldings(ctx context.Context, accessToken string) (*ofclient.HoldingsResponse, error) {
	m.record("investments/holdings/get")
	if m.GetHoldingsFunc != nil {
		return m.GetHoldingsFunc(ctx, accessToken)
	}
	return &ofclient.HoldingsResponse{}, nil
}

func (m *MockClient) GetLiabilities(ctx context.Context, accessToken string) (*ofclient.LiabilitiesResponse, error) {
	m.record("liabilities/get")
	if m.GetLiabilitiesFunc != nil {
		return m.GetLiabilitiesFunc(ctx, accessToken)
	}
	return &ofclient.LiabilitiesResponse{}, nil
}

func (m *MockClient) GetWebhookVerificationKey(ctx context.Context, keyID string) (*ofclient.WebhookVerificationKey, error) {
	m.record("webhook_verification_key/get")
	if m.GetWebhookVerificationKeyFunc != nil {
		return m.GetWebhookVerificationKeyFunc(ctx, keyID)
	}
	return nil, nil
}

type MockItemRepo struct {
	GetByIDFunc          func(ctx context.Context, id string) (*item.Item, error)
	GetByPlaidItemIDFunc func(ctx context.Context, plaidItemID string) (*item.Item, error)
	UpdateHealthyFunc    func(ctx context.Context, id string, healthy bool) error
	DeactivateFunc       func(ctx context.Context, id string) error
	MarkRefreshedFunc    func(ctx context.Context, id string, kind item.RefreshKind, at time.Time) error
}

func (m *MockItemRepo) GetByID(ctx context.Context, id string) (*item.Item, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, item.ErrItemNotFound
}

func (m *MockItemRepo) GetByPlaidItemID(ctx context.Context, plaidItemID string) (*item.Item, error) {
	if m.GetByPlaidItemIDFunc != nil {
		return m.GetByPlaidItemIDFunc(ctx, plaidItemID)
	}
	return nil, item.ErrItemNotFound
}

func (m *MockItemRepo) ListByUserID(ctx context.Context, userID int64) ([]*item.Item, error) {
	return nil, nil
}

func (m *MockItemRepo) UpdateHealthy(ctx context.Context, id string, healthy bool) error {
	if m.UpdateHealthyFunc != nil {
		return m.UpdateHealthyFunc(ctx, id, healthy)
	}
	return nil
}

func (m *MockItemRepo) Deactivate(ctx context.Context, id string) error {
	if m.DeactivateFunc != nil {
		return m.DeactivateFunc(ctx, id)
	}
	return nil
}

func (m *MockItemRepo) MarkRefreshed(ctx context.Context, id string, kind item.RefreshKind, at time.Time) error {
	if m.MarkRefreshedFunc != nil {
		return m.MarkRefreshedFunc(ctx, id, kind, at)
	}
	return nil
}

type MockAccountRepo struct {
	UpsertFunc       func(ctx context.Context, accounts []*account.Account) error
	ListByItemIDFunc func(ctx context.Context, itemID string) ([]*account.Account, error)
}

func (m *MockAccountRepo) Upsert(ctx context.Context, accounts []*account.Account) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, accounts)
	}
	return nil
}

func (m *MockAccountRepo) ListByItemID(ctx context.Context, itemID string) ([]*account.Account, error) {
	if m.ListByItemIDFunc != nil {
		return m.ListByItemIDFunc(ctx, itemID)
	}
	return nil, nil
}

// fakeTransactionStore keeps transactions and the cursor in memory so sync
// results can be compared across runs.
type fakeTransactionStore struct {
	mu     sync.Mutex
	rows   map[string]*transaction.Transaction
	cursor map[string]string
	err    error
}

func newFakeTransactionStore() *fakeTransactionStore {
	return &fakeTransactionStore{rows: map[string]*transaction.Transaction{}, cursor: map[string]string{}}
}

func (f *fakeTransactionStore) GetOverlays(ctx context.Context, ids []string) (map[string]transaction.Overlay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]transaction.Overlay)
	for _, id := range ids {
		if tx, ok := f.rows[id]; ok {
			out[id] = tx.Overlay()
		}
	}
	return out, nil
}

func (f *fakeTransactionStore) ApplySync(ctx context.Context, batch transaction.SyncBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, tx := range batch.Upserts {
		cp := *tx
		if prev, ok := f.rows[tx.ID]; ok {
			if cp.CustomName == nil {
				cp.CustomName = prev.CustomName
			}
			if cp.CustomCategory == nil {
				cp.CustomCategory = prev.CustomCategory
			}
			if cp.Note == nil {
				cp.Note = prev.Note
			}
		}
		f.rows[tx.ID] = &cp
	}
	for _, id := range batch.RemovedIDs {
		delete(f.rows, id)
	}
	f.cursor[batch.ItemID] = batch.NextCursor
	return nil
}

func (f *fakeTransactionStore) ListByItemID(ctx context.Context, itemID string) ([]*transaction.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*transaction.Transaction
	for _, tx := range f.rows {
		if tx.ItemID == itemID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTransactionStore) GetByID(ctx context.Context, id string) (*transaction.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.rows[id]
	if !ok {
		return nil, transaction.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeTransactionStore) snapshot() map[string]transaction.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]transaction.Transaction, len(f.rows))
	for id, tx := range f.rows {
		out[id] = *tx
	}
	return out
}

type MockInvestmentRepo struct {
	ReplaceHoldingsFunc func(ctx context.Context, itemID string, securities []*investment.Security, holdings []*investment.Holding) error
}

func (m *MockInvestmentRepo) ReplaceHoldings(ctx context.Context, itemID string, securities []*investment.Security, holdings []*investment.Holding) error {
	if m.ReplaceHoldingsFunc != nil {
		return m.ReplaceHoldingsFunc(ctx, itemID, securities, holdings)
	}
	return nil
}

type MockLiabilityRepo struct {
	ReplaceLiabilitiesFunc func(ctx context.Context, itemID string, liabilities []*liability.Liability) error
}

func (m *MockLiabilityRepo) ReplaceLiabilities(ctx context.Context, itemID string, liabilities []*liability.Liability) error {
	if m.ReplaceLiabilitiesFunc != nil {
		return m.ReplaceLiabilitiesFunc(ctx, itemID, liabilities)
	}
	return nil
}

// mapLocker is a process-local Locker.
type mapLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMapLocker() *mapLocker {
	return &mapLocker{held: map[string]bool{}}
}

func (l *mapLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLockHeld
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, nil
}

type MockNotifier struct {
	mu     sync.Mutex
	events []notification.Event
	err    error
}

func (m *MockNotifier) Notify(ctx context.Context, it *item.Item, event notification.Event) (*notification.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.events = append(m.events, event)
	return &notification.Notification{ID: "n-1", UserID: it.UserID}, nil
}

func (m *MockNotifier) Events() []notification.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notification.Event(nil), m.events...)
}

func strPtr(s string) *string { return &s }

func apiErr(status int, errType, code string) error {
	return &ofclient.APIError{StatusCode: status, ErrorType: errType, ErrorCode: code}
}
