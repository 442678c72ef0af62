package openfinance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

type Balances struct {
	Available   decimal.NullDecimal `json:"available"`
	Current     decimal.NullDecimal `json:"current"`
	Limit       decimal.NullDecimal `json:"limit"`
	IsoCurrency string              `json:"iso_currency_code"`
}

// Account represents an account from the provider API
type Account struct {
	AccountID    string   `json:"account_id"`
	Name         string   `json:"name"`
	OfficialName string   `json:"official_name"`
	Mask         string   `json:"mask"`
	Type         string   `json:"type"`
	Subtype      string   `json:"subtype"`
	Balances     Balances `json:"balances"`
}

type ItemInfo struct {
	ItemID        string `json:"item_id"`
	InstitutionID string `json:"institution_id"`
}

type AccountsResponse struct {
	Accounts  []Account `json:"accounts"`
	Item      ItemInfo  `json:"item"`
	RequestID string    `json:"request_id"`
}

// Transaction represents a transaction from the provider API
type Transaction struct {
	TransactionID        string          `json:"transaction_id"`
	AccountID            string          `json:"account_id"`
	Amount               decimal.Decimal `json:"amount"`
	IsoCurrency          string          `json:"iso_currency_code"`
	DateString           string          `json:"date"`
	AuthorizedDateString string          `json:"authorized_date"`
	Name                 string          `json:"name"`
	MerchantName         string          `json:"merchant_name"`
	Category             []string        `json:"category"`
	Pending              bool            `json:"pending"`
	PendingTransactionID *string         `json:"pending_transaction_id"`
}

// GetDate parses the posted (or pending) date.
func (t *Transaction) GetDate() (time.Time, error) {
	d, err := time.Parse(dateLayout, t.DateString)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date '%s': %w", t.DateString, err)
	}
	return d, nil
}

// GetAuthorizedDate returns nil when the provider has no authorized date.
func (t *Transaction) GetAuthorizedDate() (*time.Time, error) {
	if t.AuthorizedDateString == "" {
		return nil, nil
	}
	d, err := time.Parse(dateLayout, t.AuthorizedDateString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse authorized_date '%s': %w", t.AuthorizedDateString, err)
	}
	return &d, nil
}

type RemovedTransaction struct {
	TransactionID string `json:"transaction_id"`
}

type TransactionsSyncResponse struct {
	Added      []Transaction        `json:"added"`
	Modified   []Transaction        `json:"modified"`
	Removed    []RemovedTransaction `json:"removed"`
	NextCursor string               `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`
	RequestID  string               `json:"request_id"`
}

type Security struct {
	SecurityID   string              `json:"security_id"`
	Name         string              `json:"name"`
	TickerSymbol string              `json:"ticker_symbol"`
	Type         string              `json:"type"`
	ClosePrice   decimal.NullDecimal `json:"close_price"`
	IsoCurrency  string              `json:"iso_currency_code"`
}

type Holding struct {
	AccountID        string              `json:"account_id"`
	SecurityID       string              `json:"security_id"`
	Quantity         decimal.Decimal     `json:"quantity"`
	CostBasis        decimal.NullDecimal `json:"cost_basis"`
	InstitutionPrice decimal.Decimal     `json:"institution_price"`
	InstitutionValue decimal.Decimal     `json:"institution_value"`
	IsoCurrency      string              `json:"iso_currency_code"`
}

type HoldingsResponse struct {
	Accounts   []Account  `json:"accounts"`
	Holdings   []Holding  `json:"holdings"`
	Securities []Security `json:"securities"`
	RequestID  string     `json:"request_id"`
}

// Liabilities groups the raw liability records by kind. Each record carries
// at least account_id.
type Liabilities struct {
	Credit   []json.RawMessage `json:"credit"`
	Mortgage []json.RawMessage `json:"mortgage"`
	Student  []json.RawMessage `json:"student"`
}

type LiabilitiesResponse struct {
	Accounts    []Account   `json:"accounts"`
	Liabilities Liabilities `json:"liabilities"`
	RequestID   string      `json:"request_id"`
}

// WebhookVerificationKey is a JWK plus the provider's lifecycle timestamps.
type WebhookVerificationKey struct {
	Alg       string `json:"alg"`
	Crv       string `json:"crv"`
	Kid       string `json:"kid"`
	Kty       string `json:"kty"`
	Use       string `json:"use"`
	X         string `json:"x"`
	Y         string `json:"y"`
	CreatedAt int64  `json:"created_at"`
	ExpiredAt *int64 `json:"expired_at"`
}

// Expired reports whether the provider has retired the key.
func (k *WebhookVerificationKey) Expired() bool {
	return k.ExpiredAt != nil
}

type webhookVerificationKeyResponse struct {
	Key       WebhookVerificationKey `json:"key"`
	RequestID string                 `json:"request_id"`
}
