// Package openfinance provides domain services for syncing financial data
// from the aggregation provider.
package openfinance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"finsync/internal/domain/account"
	"finsync/internal/domain/item"
	ofclient "finsync/internal/infrastructure/openfinance"
)

// AccountSyncResult contains the results of an account or balance sync.
type AccountSyncResult struct {
	ItemID        string
	AccountsFound int
	Skipped       bool
}

// AccountSyncService pulls the account list (and balances) for an item.
type AccountSyncService struct {
	client      ofclient.ClientInterface
	accountRepo account.Repository
	logger      *zap.Logger
}

func NewAccountSyncService(client ofclient.ClientInterface, accountRepo account.Repository, logger *zap.Logger) *AccountSyncService {
	return &AccountSyncService{client: client, accountRepo: accountRepo, logger: logger.Named("account-sync")}
}

// SyncAccounts refreshes the item's account list. Sub-syncs that attach
// child records by account id run this first.
func (s *AccountSyncService) SyncAccounts(ctx context.Context, it *item.Item) (*AccountSyncResult, error) {
	out := Fetch(func() (*ofclient.AccountsResponse, error) {
		return s.client.GetAccounts(ctx, it.AccessToken)
	})
	return s.apply(ctx, it, "accounts", out)
}

// SyncBalances refreshes balances in real time.
func (s *AccountSyncService) SyncBalances(ctx context.Context, it *item.Item) (*AccountSyncResult, error) {
	out := Fetch(func() (*ofclient.AccountsResponse, error) {
		return s.client.GetBalances(ctx, it.AccessToken)
	})
	return s.apply(ctx, it, "balances", out)
}

func (s *AccountSyncService) apply(ctx context.Context, it *item.Item, op string, out Outcome[*ofclient.AccountsResponse]) (*AccountSyncResult, error) {
	result := &AccountSyncResult{ItemID: it.ID}

	switch out.Kind {
	case OutcomeOK:
	case OutcomeSkip:
		s.logger.Info("product not supported for item, skipping",
			zap.String("item_id", it.ID), zap.String("op", op), zap.String("code", out.Code()))
		result.Skipped = true
		return result, nil
	default:
		return nil, out.Error(op)
	}

	accounts := ConvertAccounts(it, out.Value.Accounts)
	result.AccountsFound = len(accounts)
	if len(accounts) == 0 {
		return result, nil
	}

	if err := s.accountRepo.Upsert(ctx, accounts); err != nil {
		return nil, fmt.Errorf("failed to upsert accounts for item %s: %w", it.ID, err)
	}

	s.logger.Debug("accounts synced", zap.String("item_id", it.ID), zap.String("op", op), zap.Int("count", len(accounts)))
	return result, nil
}

// ConvertAccounts maps provider accounts onto domain accounts for it.
func ConvertAccounts(it *item.Item, src []ofclient.Account) []*account.Account {
	accounts := make([]*account.Account, 0, len(src))
	for _, a := range src {
		if a.AccountID == "" {
			continue
		}
		accounts = append(accounts, &account.Account{
			ID:               a.AccountID,
			ItemID:           it.ID,
			UserID:           it.UserID,
			Name:             a.Name,
			OfficialName:     a.OfficialName,
			Mask:             a.Mask,
			Type:             a.Type,
			Subtype:          a.Subtype,
			Currency:         a.Balances.IsoCurrency,
			CurrentBalance:   a.Balances.Current,
			AvailableBalance: a.Balances.Available,
			CreditLimit:      a.Balances.Limit,
		})
	}
	return accounts
}
