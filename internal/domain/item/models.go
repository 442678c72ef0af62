// Package item models a user's connection to one external institution.
package item

import (
	"errors"
	"time"
)

var (
	ErrItemNotFound = errors.New("item not found")
	ErrItemInactive = errors.New("item is not active")
	ErrForbidden    = errors.New("access forbidden")
)

// Item is a linked institution connection. AccessToken is held decrypted in
// memory and encrypted at rest.
type Item struct {
	ID                          string     `json:"id"`
	UserID                      int64      `json:"userId"`
	PlaidItemID                 string     `json:"plaidItemId"`
	AccessToken                 string     `json:"-"`
	InstitutionID               string     `json:"institutionId"`
	InstitutionName             string     `json:"institutionName"`
	Healthy                     bool       `json:"healthy"`
	Active                      bool       `json:"active"`
	Cursor                      *string    `json:"-"`
	LastRefreshedAt             *time.Time `json:"lastRefreshedAt,omitempty"`
	TransactionsLastRefreshedAt *time.Time `json:"transactionsLastRefreshedAt,omitempty"`
	CreatedAt                   time.Time  `json:"createdAt"`
	UpdatedAt                   time.Time  `json:"updatedAt"`
}

// CurrentCursor returns the sync cursor, or "" before the first sync.
func (i *Item) CurrentCursor() string {
	if i.Cursor == nil {
		return ""
	}
	return *i.Cursor
}

// Ref is the self-contained reference to an item carried in job payloads.
// Credentials and cursor are always re-read from the store at execution.
type Ref struct {
	ID          string `json:"id" validate:"required"`
	UserID      int64  `json:"userId" validate:"required"`
	PlaidItemID string `json:"plaidItemId" validate:"required"`
}

func (i *Item) Ref() Ref {
	return Ref{ID: i.ID, UserID: i.UserID, PlaidItemID: i.PlaidItemID}
}

// RefreshKind selects which last-refreshed timestamp a completed sub-sync updates.
type RefreshKind int

const (
	RefreshOverall RefreshKind = iota
	RefreshTransactions
)
