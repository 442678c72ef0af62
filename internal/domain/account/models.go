package account

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrAccountNotFound = errors.New("account not found")

// Account is a provider account under an item. ID is the provider's account id.
type Account struct {
	ID               string              `json:"id"`
	ItemID           string              `json:"itemId"`
	UserID           int64               `json:"userId"`
	Name             string              `json:"name"`
	OfficialName     string              `json:"officialName,omitempty"`
	Mask             string              `json:"mask,omitempty"`
	Type             string              `json:"type"`
	Subtype          string              `json:"subtype,omitempty"`
	Currency         string              `json:"currency"`
	CurrentBalance   decimal.NullDecimal `json:"currentBalance"`
	AvailableBalance decimal.NullDecimal `json:"availableBalance"`
	CreditLimit      decimal.NullDecimal `json:"creditLimit"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}
