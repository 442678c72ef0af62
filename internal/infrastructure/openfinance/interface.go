package openfinance

import (
	"context"
)

// ClientInterface defines the methods required from the aggregation provider API client
type ClientInterface interface {
	// SyncTransactions fetches one page of incremental transaction changes
	// starting at cursor ("" for the first page of a new item).
	SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*TransactionsSyncResponse, error)
	GetAccounts(ctx context.Context, accessToken string) (*AccountsResponse, error)
	// GetBalances is GetAccounts with balances refreshed in real time.
	GetBalances(ctx context.Context, accessToken string) (*AccountsResponse, error)
	GetHoldings(ctx context.Context, accessToken string) (*HoldingsResponse, error)
	GetLiabilities(ctx context.Context, accessToken string) (*LiabilitiesResponse, error)
	GetWebhookVerificationKey(ctx context.Context, keyID string) (*WebhookVerificationKey, error)
}
