package openfinance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"finsync/internal/domain/account"
	"finsync/internal/domain/item"
	"finsync/internal/domain/transaction"
	ofclient "finsync/internal/infrastructure/openfinance"
)

type syncFixture struct {
	client *MockClient
	store  *fakeTransactionStore
	locker *mapLocker
	engine *TransactionSyncEngine
	item   *item.Item
	waits  int
}

func newSyncFixture(t *testing.T, client *MockClient) *syncFixture {
	t.Helper()
	f := &syncFixture{
		client: client,
		store:  newFakeTransactionStore(),
		locker: newMapLocker(),
		item:   &item.Item{ID: "item-1", UserID: 7, PlaidItemID: "plaid-1", AccessToken: "access", Active: true, Healthy: true},
	}

	items := &MockItemRepo{
		GetByIDFunc: func(ctx context.Context, id string) (*item.Item, error) {
			it := *f.item
			f.store.mu.Lock()
			if c, ok := f.store.cursor[id]; ok {
				it.Cursor = &c
			}
			f.store.mu.Unlock()
			return &it, nil
		},
	}
	accounts := &MockAccountRepo{
		ListByItemIDFunc: func(ctx context.Context, itemID string) ([]*account.Account, error) {
			return []*account.Account{{ID: "acc-1", ItemID: itemID}}, nil
		},
	}

	f.engine = NewTransactionSyncEngine(client, items, accounts, f.store, f.locker,
		TransactionSyncConfig{ConflictBackoff: time.Second}, zap.NewNop())
	f.engine.wait = func(ctx context.Context, d time.Duration) error {
		f.waits++
		return ctx.Err()
	}
	return f
}

func providerTx(id string, amount string) ofclient.Transaction {
	return ofclient.Transaction{
		TransactionID: id,
		AccountID:     "acc-1",
		Amount:        decimal.RequireFromString(amount),
		IsoCurrency:   "USD",
		DateString:    "2024-03-01",
		Name:          "Coffee " + id,
		Category:      []string{"Food and Drink", "Coffee"},
	}
}

func TestSyncTransactions_PagesAndPersistsCursor(t *testing.T) {
	var cursors []string
	client := &MockClient{
		SyncTransactionsFunc: func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
			cursors = append(cursors, cursor)
			switch cursor {
			case "":
				return &ofclient.TransactionsSyncResponse{
					Added:      []ofclient.Transaction{providerTx("t1", "4.50")},
					NextCursor: "c1",
					HasMore:    true,
				}, nil
			case "c1":
				return &ofclient.TransactionsSyncResponse{
					Added:      []ofclient.Transaction{providerTx("t2", "12.00")},
					NextCursor: "c2",
				}, nil
			default:
				return &ofclient.TransactionsSyncResponse{NextCursor: cursor}, nil
			}
		},
	}
	f := newSyncFixture(t, client)

	res, err := f.engine.SyncTransactions(context.Background(), f.item)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, "c2", res.NextCursor)
	assert.Equal(t, []string{"", "c1"}, cursors)

	rows := f.store.snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, "Food and Drink > Coffee", rows["t1"].Category)
	assert.True(t, decimal.RequireFromString("12.00").Equal(rows["t2"].Amount))
	assert.Equal(t, "c2", f.store.cursor["item-1"])
}

func TestSyncTransactions_Idempotent(t *testing.T) {
	// The provider replays the same batch for an unchanged cursor.
	client := &MockClient{
		SyncTransactionsFunc: func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
			return &ofclient.TransactionsSyncResponse{
				Added:      []ofclient.Transaction{providerTx("t1", "4.50"), providerTx("t2", "9.99")},
				Removed:    []ofclient.RemovedTransaction{{TransactionID: "t0"}},
				NextCursor: "c1",
			}, nil
		},
	}
	f := newSyncFixture(t, client)

	_, err := f.engine.SyncTransactions(context.Background(), f.item)
	require.NoError(t, err)
	first := f.store.snapshot()

	f.store.cursor["item-1"] = ""
	_, err = f.engine.SyncTransactions(context.Background(), f.item)
	require.NoError(t, err)

	assert.Equal(t, first, f.store.snapshot())
	assert.Equal(t, "c1", f.store.cursor["item-1"])
}

func TestSyncTransactions_PreservesCustomFields(t *testing.T) {
	client := &MockClient{
		SyncTransactionsFunc: func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
			modified := providerTx("t1", "5.00")
			modified.Name = "Coffee (updated)"

			posted := providerTx("t2", "20.00")
			posted.PendingTransactionID = strPtr("p2")

			return &ofclient.TransactionsSyncResponse{
				Added:      []ofclient.Transaction{posted},
				Modified:   []ofclient.Transaction{modified},
				Removed:    []ofclient.RemovedTransaction{{TransactionID: "p2"}},
				NextCursor: "c9",
			}, nil
		},
	}
	f := newSyncFixture(t, client)
	f.store.rows["t1"] = &transaction.Transaction{ID: "t1", ItemID: "item-1", AccountID: "acc-1", Name: "Coffee", CustomName: strPtr("Morning coffee")}
	f.store.rows["p2"] = &transaction.Transaction{ID: "p2", ItemID: "item-1", AccountID: "acc-1", Pending: true, Note: strPtr("split with Sam"), CustomCategory: strPtr("Shared")}

	res, err := f.engine.SyncTransactions(context.Background(), f.item)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CarriedOverlays)

	rows := f.store.snapshot()
	require.Contains(t, rows, "t1")
	assert.Equal(t, "Coffee (updated)", rows["t1"].Name)
	require.NotNil(t, rows["t1"].CustomName)
	assert.Equal(t, "Morning coffee", *rows["t1"].CustomName)

	assert.NotContains(t, rows, "p2")
	require.NotNil(t, rows["t2"].Note)
	assert.Equal(t, "split with Sam", *rows["t2"].Note)
	assert.Equal(t, "Shared", *rows["t2"].CustomCategory)
}

func TestSyncTransactions_ConflictRetryBound(t *testing.T) {
	conflict := apiErr(400, ofclient.ErrorTypeTransactions, ofclient.CodeMutationDuringPagination)

	t.Run("gives up after one retry", func(t *testing.T) {
		client := &MockClient{
			SyncTransactionsFunc: func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
				return nil, conflict
			},
		}
		f := newSyncFixture(t, client)

		_, err := f.engine.SyncTransactions(context.Background(), f.item)
		require.Error(t, err)

		pe, ok := AsProviderError(err)
		require.True(t, ok)
		assert.Equal(t, OutcomeConflict, pe.Kind)
		assert.Len(t, client.Calls(), 2)
		assert.Equal(t, 1, f.waits)
		assert.NotContains(t, f.store.cursor, "item-1")
	})

	t.Run("restarts from the original cursor", func(t *testing.T) {
		var cursors []string
		calls := 0
		client := &MockClient{
			SyncTransactionsFunc: func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
				calls++
				cursors = append(cursors, cursor)
				switch {
				case calls == 2:
					return nil, conflict
				case cursor == "start":
					return &ofclient.TransactionsSyncResponse{
						Added:      []ofclient.Transaction{providerTx("t1", "1.00")},
						NextCursor: "mid",
						HasMore:    true,
					}, nil
				default:
					return &ofclient.TransactionsSyncResponse{NextCursor: "end"}, nil
				}
			},
		}
		f := newSyncFixture(t, client)
		f.store.cursor["item-1"] = "start"

		res, err := f.engine.SyncTransactions(context.Background(), f.item)
		require.NoError(t, err)
		assert.Equal(t, []string{"start", "mid", "start", "mid"}, cursors)
		assert.Equal(t, 2, res.Attempts)
		assert.Equal(t, 1, res.Added)
		assert.Equal(t, "end", f.store.cursor["item-1"])
	})

	t.Run("backoff honors cancellation", func(t *testing.T) {
		client := &MockClient{
			SyncTransactionsFunc: func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
				return nil, conflict
			},
		}
		f := newSyncFixture(t, client)
		f.engine.wait = sleepContext
		f.engine.cfg.ConflictBackoff = time.Hour

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.engine.SyncTransactions(ctx, f.item)
		require.ErrorIs(t, err, context.Canceled)
		assert.Len(t, client.Calls(), 1)
	})
}

func TestSyncTransactions_LockHeld(t *testing.T) {
	client := &MockClient{}
	f := newSyncFixture(t, client)

	release, err := f.locker.Acquire(context.Background(), transactionsLockKey("item-1"), time.Minute)
	require.NoError(t, err)
	defer release(context.Background())

	_, err = f.engine.SyncTransactions(context.Background(), f.item)
	require.ErrorIs(t, err, ErrSyncInProgress)
	assert.Empty(t, client.Calls())
}

func TestSyncTransactions_ReleasesLock(t *testing.T) {
	f := newSyncFixture(t, &MockClient{})

	for i := 0; i < 2; i++ {
		_, err := f.engine.SyncTransactions(context.Background(), f.item)
		require.NoError(t, err)
	}
}

func TestSyncTransactions_ProductNotSupported(t *testing.T) {
	client := &MockClient{
		SyncTransactionsFunc: func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
			return nil, apiErr(400, "ITEM_ERROR", ofclient.CodeProductsNotSupported)
		},
	}
	f := newSyncFixture(t, client)

	res, err := f.engine.SyncTransactions(context.Background(), f.item)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NotContains(t, f.store.cursor, "item-1")
}

func TestSyncTransactions_FailureKeepsCursor(t *testing.T) {
	client := &MockClient{
		SyncTransactionsFunc: func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
			if cursor == "" {
				return &ofclient.TransactionsSyncResponse{
					Added:      []ofclient.Transaction{providerTx("t1", "1.00")},
					NextCursor: "c1",
					HasMore:    true,
				}, nil
			}
			return nil, errors.New("connection reset")
		},
	}
	f := newSyncFixture(t, client)

	_, err := f.engine.SyncTransactions(context.Background(), f.item)
	require.Error(t, err)

	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, OutcomeTransient, pe.Kind)
	assert.Empty(t, f.store.snapshot())
	assert.NotContains(t, f.store.cursor, "item-1")
}

func TestSyncTransactions_UnknownAccountHoldsCursor(t *testing.T) {
	client := &MockClient{
		SyncTransactionsFunc: func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.TransactionsSyncResponse, error) {
			orphan := providerTx("t9", "3.00")
			orphan.AccountID = "acc-2"
			return &ofclient.TransactionsSyncResponse{
				Added:      []ofclient.Transaction{providerTx("t1", "1.00"), orphan},
				NextCursor: "c1",
			}, nil
		},
	}
	f := newSyncFixture(t, client)

	_, err := f.engine.SyncTransactions(context.Background(), f.item)
	require.ErrorIs(t, err, ErrUnknownAccount)
	assert.Contains(t, err.Error(), "acc-2")
	assert.Empty(t, f.store.snapshot())
	assert.NotContains(t, f.store.cursor, "item-1")

	// The lock is released so a rerun after an account sync can proceed.
	_, err = f.engine.SyncTransactions(context.Background(), f.item)
	require.ErrorIs(t, err, ErrUnknownAccount)
}
