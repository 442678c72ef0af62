// Package liability stores provider liability detail per account.
package liability

import (
	"context"
	"encoding/json"
	"time"
)

type Kind string

const (
	KindCredit   Kind = "credit"
	KindMortgage Kind = "mortgage"
	KindStudent  Kind = "student"
)

// Liability is keyed by (AccountID, Kind). Details keeps the provider payload.
type Liability struct {
	AccountID string          `json:"accountId"`
	ItemID    string          `json:"itemId"`
	Kind      Kind            `json:"kind"`
	Details   json.RawMessage `json:"details"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Repository interface {
	// ReplaceLiabilities upserts liabilities for the item and removes the
	// item's rows absent from the list, in one database transaction.
	ReplaceLiabilities(ctx context.Context, itemID string, liabilities []*Liability) error
}
