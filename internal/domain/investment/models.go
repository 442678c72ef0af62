// Package investment holds securities and per-account holdings.
package investment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Security struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	TickerSymbol string              `json:"tickerSymbol,omitempty"`
	Type         string              `json:"type"`
	ClosePrice   decimal.NullDecimal `json:"closePrice"`
	IsoCurrency  string              `json:"isoCurrency"`
}

// Holding is keyed by (AccountID, SecurityID).
type Holding struct {
	AccountID        string              `json:"accountId"`
	SecurityID       string              `json:"securityId"`
	ItemID           string              `json:"itemId"`
	Quantity         decimal.Decimal     `json:"quantity"`
	CostBasis        decimal.NullDecimal `json:"costBasis"`
	InstitutionPrice decimal.Decimal     `json:"institutionPrice"`
	InstitutionValue decimal.Decimal     `json:"institutionValue"`
	IsoCurrency      string              `json:"isoCurrency"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

type Repository interface {
	// ReplaceHoldings upserts securities and holdings for the item and deletes
	// the item's holdings absent from the list, in one database transaction.
	ReplaceHoldings(ctx context.Context, itemID string, securities []*Security, holdings []*Holding) error
}
