package transaction

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// Transaction is identified by the provider's transaction id. CustomName,
// CustomCategory and Note are user-owned and never come from the provider.
type Transaction struct {
	ID                   string          `json:"id"`
	AccountID            string          `json:"accountId"`
	ItemID               string          `json:"itemId"`
	Amount               decimal.Decimal `json:"amount"`
	IsoCurrency          string          `json:"isoCurrency"`
	Date                 time.Time       `json:"date"`
	AuthorizedDate       *time.Time      `json:"authorizedDate,omitempty"`
	Name                 string          `json:"name"`
	MerchantName         string          `json:"merchantName,omitempty"`
	Category             string          `json:"category,omitempty"`
	Pending              bool            `json:"pending"`
	PendingTransactionID *string         `json:"pendingTransactionId,omitempty"`
	CustomName           *string         `json:"customName,omitempty"`
	CustomCategory       *string         `json:"customCategory,omitempty"`
	Note                 *string         `json:"note,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// Overlay is the user-editable part of a transaction.
type Overlay struct {
	CustomName     *string
	CustomCategory *string
	Note           *string
}

func (o Overlay) IsZero() bool {
	return o.CustomName == nil && o.CustomCategory == nil && o.Note == nil
}

func (t *Transaction) Overlay() Overlay {
	return Overlay{CustomName: t.CustomName, CustomCategory: t.CustomCategory, Note: t.Note}
}

// SyncBatch is the fully accumulated result of one incremental pull.
type SyncBatch struct {
	ItemID     string
	Upserts    []*Transaction
	RemovedIDs []string
	NextCursor string
}
