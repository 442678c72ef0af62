package openfinance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"finsync/internal/domain/account"
	"finsync/internal/domain/item"
	"finsync/internal/domain/notification"
	ofclient "finsync/internal/infrastructure/openfinance"
	"finsync/internal/queue"
)

type orchestratorFixture struct {
	client   *MockClient
	items    *MockItemRepo
	broker   *queue.MemoryBroker
	notifier *MockNotifier
	orch     *Orchestrator
	item     *item.Item
	now      time.Time
	txStore  *fakeTransactionStore

	accountsMu sync.Mutex
	accounts   map[string]*account.Account

	healthy   []bool
	refreshed []item.RefreshKind
}

func newOrchestratorFixture(t *testing.T, client *MockClient) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		client:   client,
		broker:   queue.NewMemoryBroker(),
		notifier: &MockNotifier{},
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		txStore:  newFakeTransactionStore(),
		accounts: map[string]*account.Account{"acc-1": {ID: "acc-1", ItemID: "item-1"}},
		item: &item.Item{
			ID: "item-1", UserID: 7, PlaidItemID: "plaid-1", AccessToken: "access",
			InstitutionName: "First Bank", Active: true, Healthy: true,
		},
	}
	f.items = &MockItemRepo{
		GetByIDFunc: func(ctx context.Context, id string) (*item.Item, error) {
			if id != f.item.ID {
				return nil, item.ErrItemNotFound
			}
			it := *f.item
			return &it, nil
		},
		UpdateHealthyFunc: func(ctx context.Context, id string, healthy bool) error {
			f.healthy = append(f.healthy, healthy)
			return nil
		},
		MarkRefreshedFunc: func(ctx context.Context, id string, kind item.RefreshKind, at time.Time) error {
			f.refreshed = append(f.refreshed, kind)
			return nil
		},
	}
	accounts := &MockAccountRepo{
		UpsertFunc: func(ctx context.Context, accounts []*account.Account) error {
			f.accountsMu.Lock()
			defer f.accountsMu.Unlock()
			for _, a := range accounts {
				f.accounts[a.ID] = a
			}
			return nil
		},
		ListByItemIDFunc: func(ctx context.Context, itemID string) ([]*account.Account, error) {
			f.accountsMu.Lock()
			defer f.accountsMu.Unlock()
			out := make([]*account.Account, 0, len(f.accounts))
			for _, a := range f.accounts {
				out = append(out, a)
			}
			return out, nil
		},
	}
	logger := zap.NewNop()

	engine := NewTransactionSyncEngine(client, f.items, accounts, f.txStore, newMapLocker(), TransactionSyncConfig{}, logger)
	engine.wait = func(ctx context.Context, d time.Duration) error { return nil }

	f.orch = NewOrchestrator(OrchestratorDeps{
		Items:        f.items,
		Enqueuer:     queue.NewClient(f.broker, queue.DefaultMaxAttempts),
		Accounts:     NewAccountSyncService(client, accounts, logger),
		Transactions: engine,
		Investments:  NewInvestmentSyncService(client, &MockInvestmentRepo{}, logger),
		Liabilities:  NewLiabilitySyncService(client, &MockLiabilityRepo{}, logger),
		Notifier:     f.notifier,
	}, DefaultCooldown, logger)
	f.orch.now = func() time.Time { return f.now }
	return f
}

func timePtr(t time.Time) *time.Time { return &t }

func TestRefresh_EnqueuesOneJobPerSubSync(t *testing.T) {
	f := newOrchestratorFixture(t, &MockClient{})

	res, err := f.orch.Refresh(context.Background(), f.item, RefreshOptions{
		Transactions:      true,
		Liabilities:       true,
		SyncAccountsFirst: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 2)

	jobs := f.broker.Jobs(queue.ItemSync)
	require.Len(t, jobs, 2)
	assert.Equal(t, "sync_transactions", jobs[0].Type)
	assert.Equal(t, "item-1:transactions:accounts-first", jobs[0].DedupKey)
	assert.Equal(t, "sync_liabilities", jobs[1].Type)

	var payload SyncPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &payload))
	assert.Equal(t, f.item.Ref(), payload.Item)
	assert.True(t, payload.SyncAccountsFirst)
	assert.Empty(t, f.client.Calls())
}

func TestRefresh_DedupKeepsAccountsFirst(t *testing.T) {
	f := newOrchestratorFixture(t, &MockClient{})
	ctx := context.Background()

	userRefresh := RefreshOptions{Transactions: true}
	providerRefresh := RefreshOptions{Transactions: true, SyncAccountsFirst: true, BypassCooldown: true}

	first, err := f.orch.Refresh(ctx, f.item, userRefresh)
	require.NoError(t, err)
	second, err := f.orch.Refresh(ctx, f.item, providerRefresh)
	require.NoError(t, err)
	assert.NotEqual(t, first.Jobs[0].JobID, second.Jobs[0].JobID)

	again, err := f.orch.Refresh(ctx, f.item, providerRefresh)
	require.NoError(t, err)
	assert.Equal(t, second.Jobs[0].JobID, again.Jobs[0].JobID)

	jobs := f.broker.Jobs(queue.ItemSync)
	require.Len(t, jobs, 2)
	var payload SyncPayload
	require.NoError(t, json.Unmarshal(jobs[1].Payload, &payload))
	assert.True(t, payload.SyncAccountsFirst)
}

func TestRefresh_Cooldown(t *testing.T) {
	tests := []struct {
		name        string
		overall     *time.Time
		txRefreshed *time.Time
		opts        RefreshOptions
		wantWait    time.Duration
	}{
		{
			name:        "transactions inside window",
			txRefreshed: timePtr(time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)),
			opts:        RefreshOptions{Transactions: true},
			wantWait:    2 * time.Hour,
		},
		{
			name:        "transactions only compares its own timestamp",
			overall:     timePtr(time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC)),
			txRefreshed: timePtr(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)),
			opts:        RefreshOptions{Transactions: true},
		},
		{
			name:    "other sub-syncs compare overall timestamp",
			overall: timePtr(time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC)),
			opts:    RefreshOptions{Balances: true},
			// 3h - 30m
			wantWait: 150 * time.Minute,
		},
		{
			name:        "longest remaining wait wins",
			overall:     timePtr(time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC)),
			txRefreshed: timePtr(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
			opts:        AllProducts(),
			wantWait:    150 * time.Minute,
		},
		{
			name:        "bypass ignores window",
			txRefreshed: timePtr(time.Date(2024, 3, 1, 11, 59, 0, 0, time.UTC)),
			opts:        RefreshOptions{Transactions: true, BypassCooldown: true},
		},
		{
			name: "never refreshed",
			opts: AllProducts(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrchestratorFixture(t, &MockClient{})
			f.item.LastRefreshedAt = tt.overall
			f.item.TransactionsLastRefreshedAt = tt.txRefreshed

			_, err := f.orch.Refresh(context.Background(), f.item, tt.opts)
			if tt.wantWait == 0 {
				require.NoError(t, err)
				assert.NotEmpty(t, f.broker.Jobs(queue.ItemSync))
				return
			}

			require.ErrorIs(t, err, ErrRateLimited)
			var rl *RateLimitedError
			require.True(t, errors.As(err, &rl))
			assert.Equal(t, tt.wantWait, rl.RetryAfter)
			assert.Empty(t, f.broker.Jobs(queue.ItemSync))
			assert.Empty(t, f.client.Calls())
		})
	}
}

func TestRefresh_Rejects(t *testing.T) {
	f := newOrchestratorFixture(t, &MockClient{})

	_, err := f.orch.Refresh(context.Background(), f.item, RefreshOptions{})
	assert.ErrorIs(t, err, ErrNothingToRefresh)

	f.item.Active = false
	_, err = f.orch.Refresh(context.Background(), f.item, AllProducts())
	assert.ErrorIs(t, err, item.ErrItemInactive)
}

func TestRunSubSync_StampsAfterSuccess(t *testing.T) {
	tests := []struct {
		sub  SubSync
		want item.RefreshKind
	}{
		{SubSyncTransactions, item.RefreshTransactions},
		{SubSyncInvestments, item.RefreshOverall},
		{SubSyncLiabilities, item.RefreshOverall},
		{SubSyncBalances, item.RefreshOverall},
	}

	for _, tt := range tests {
		t.Run(string(tt.sub), func(t *testing.T) {
			f := newOrchestratorFixture(t, &MockClient{})

			err := f.orch.RunSubSync(context.Background(), tt.sub, SyncPayload{Item: f.item.Ref()})
			require.NoError(t, err)
			assert.Equal(t, []item.RefreshKind{tt.want}, f.refreshed)
		})
	}
}

func TestRunSubSync_AccountsFirst(t *testing.T) {
	f := newOrchestratorFixture(t, &MockClient{})

	err := f.orch.RunSubSync(context.Background(), SubSyncTransactions, SyncPayload{Item: f.item.Ref(), SyncAccountsFirst: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts/get", "transactions/sync"}, f.client.Calls())
}

func TestRunSubSync_NewAccountDuringTransactions(t *testing.T) {
	newAccountTx := func() *ofclient.TransactionsSyncResponse {
		tx := providerTx("t1", "8.00")
		tx.AccountID = "acc-2"
		return &ofclient.TransactionsSyncResponse{Added: []ofclient.Transaction{tx}, NextCursor: "c1"}
	}

	t.Run("syncs accounts and reruns", func(t *testing.T) {
		client := &MockClient{
			SyncTransactionsFunc: func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
				return newAccountTx(), nil
			},
			GetAccountsFunc: func(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error) {
				return &ofclient.AccountsResponse{Accounts: []ofclient.Account{{AccountID: "acc-1"}, {AccountID: "acc-2"}}}, nil
			},
		}
		f := newOrchestratorFixture(t, client)

		err := f.orch.RunSubSync(context.Background(), SubSyncTransactions, SyncPayload{Item: f.item.Ref()})
		require.NoError(t, err)
		assert.Equal(t, []string{"transactions/sync", "accounts/get", "transactions/sync"}, client.Calls())
		assert.Contains(t, f.txStore.snapshot(), "t1")
		assert.Equal(t, "c1", f.txStore.cursor["item-1"])
		assert.Equal(t, []item.RefreshKind{item.RefreshTransactions}, f.refreshed)
	})

	t.Run("account still missing keeps cursor and retries", func(t *testing.T) {
		client := &MockClient{
			SyncTransactionsFunc: func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
				return newAccountTx(), nil
			},
		}
		f := newOrchestratorFixture(t, client)

		err := f.orch.RunSubSync(context.Background(), SubSyncTransactions, SyncPayload{Item: f.item.Ref()})
		require.ErrorIs(t, err, ErrUnknownAccount)
		assert.False(t, queue.IsPermanent(err))
		assert.Empty(t, f.txStore.snapshot())
		assert.NotContains(t, f.txStore.cursor, "item-1")
		assert.Empty(t, f.refreshed)
	})
}

func TestRunSubSync_SkipDoesNotStamp(t *testing.T) {
	client := &MockClient{
		GetHoldingsFunc: func(ctx context.Context, accessToken string) (*ofclient.HoldingsResponse, error) {
			return nil, apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeNoInvestmentAccounts)
		},
	}
	f := newOrchestratorFixture(t, client)

	err := f.orch.RunSubSync(context.Background(), SubSyncInvestments, SyncPayload{Item: f.item.Ref()})
	require.NoError(t, err)
	assert.Empty(t, f.refreshed)
	assert.Empty(t, f.notifier.Events())
}

func TestRunSubSync_FailureClasses(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantErr       bool
		wantPermanent bool
		wantUnhealthy bool
		wantEvent     *notification.Event
	}{
		{
			name:    "rate limit is retried",
			err:     apiErr(429, ofclient.ErrorTypeRateLimit, ofclient.CodeRateLimitExceeded),
			wantErr: true,
		},
		{
			name:    "provider 500 is retried",
			err:     apiErr(500, ofclient.ErrorTypeAPI, ofclient.CodeInternalServerError),
			wantErr: true,
		},
		{
			name:    "network error is retried",
			err:     errors.New("dial tcp: i/o timeout"),
			wantErr: true,
		},
		{
			name:          "login required flags item",
			err:           apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeItemLoginRequired),
			wantUnhealthy: true,
			wantEvent:     eventPtr(notification.EventLoginRequired),
		},
		{
			name:          "institution down flags item",
			err:           apiErr(400, ofclient.ErrorTypeInstitution, ofclient.CodeInstitutionDown),
			wantUnhealthy: true,
			wantEvent:     eventPtr(notification.EventConnectionError),
		},
		{
			name:          "unknown item error is fatal",
			err:           apiErr(400, ofclient.ErrorTypeItem, "INVALID_ACCESS_TOKEN"),
			wantErr:       true,
			wantPermanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &MockClient{
				GetBalancesFunc: func(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error) {
					return nil, tt.err
				},
			}
			f := newOrchestratorFixture(t, client)

			err := f.orch.RunSubSync(context.Background(), SubSyncBalances, SyncPayload{Item: f.item.Ref()})
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantPermanent, queue.IsPermanent(err))
			} else {
				require.NoError(t, err)
			}

			if tt.wantUnhealthy {
				assert.Equal(t, []bool{false}, f.healthy)
			} else {
				assert.Empty(t, f.healthy)
			}
			if tt.wantEvent != nil {
				assert.Equal(t, []notification.Event{*tt.wantEvent}, f.notifier.Events())
			} else {
				assert.Empty(t, f.notifier.Events())
			}
			assert.Empty(t, f.refreshed)
		})
	}
}

func TestRunSubSync_ItemStates(t *testing.T) {
	f := newOrchestratorFixture(t, &MockClient{})

	err := f.orch.RunSubSync(context.Background(), SubSyncBalances, SyncPayload{Item: item.Ref{ID: "missing", UserID: 7, PlaidItemID: "x"}})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, item.ErrItemNotFound)

	err = f.orch.RunSubSync(context.Background(), SubSyncBalances, SyncPayload{Item: item.Ref{ID: "item-1", UserID: 99, PlaidItemID: "plaid-1"}})
	assert.True(t, queue.IsPermanent(err))

	f.item.Active = false
	err = f.orch.RunSubSync(context.Background(), SubSyncBalances, SyncPayload{Item: f.item.Ref()})
	require.NoError(t, err)
	assert.Empty(t, f.client.Calls())
}

func TestParseSubSync(t *testing.T) {
	for _, s := range AllSubSyncs {
		got, err := ParseSubSync(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseSubSync("bills")
	assert.ErrorIs(t, err, ErrUnknownSubSync)
}

func eventPtr(e notification.Event) *notification.Event { return &e }

func TestParseProducts(t *testing.T) {
	opts, err := ParseProducts(nil)
	require.NoError(t, err)
	assert.Equal(t, AllProducts(), opts)

	opts, err = ParseProducts([]string{"liabilities", "transactions", "transactions"})
	require.NoError(t, err)
	assert.Equal(t, []SubSync{SubSyncTransactions, SubSyncLiabilities}, opts.SubSyncs())

	_, err = ParseProducts([]string{"identity"})
	assert.ErrorIs(t, err, ErrUnknownSubSync)
}
