package notification

import (
	"errors"
	"time"
)

// Type scopes deduplication: per (user, item) at most one active
// notification of each non-informational type.
type Type string

const (
	TypeLinkUpdate         Type = "link_update"
	TypeLinkUpdateAccounts Type = "link_update_accounts"
	TypeConnectionError    Type = "connection_error"
	TypeInformational      Type = "informational"
)

var validTypes = map[Type]struct{}{
	TypeLinkUpdate:         {},
	TypeLinkUpdateAccounts: {},
	TypeConnectionError:    {},
	TypeInformational:      {},
}

var validDeviceTypes = map[string]struct{}{
	"ios":     {},
	"android": {},
}

// Domain errors
var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidType          = errors.New("invalid notification type")
	ErrInvalidDeviceType    = errors.New("device type must be 'ios' or 'android'")
	ErrInvalidToken         = errors.New("device token is required")
	// ErrActiveConflict is returned by the repository when a concurrent
	// writer already holds the active slot for the same scope.
	ErrActiveConflict = errors.New("active notification already exists for scope")
)

// Deduplicated reports whether at most one active notification of t may
// exist per (user, item).
func (t Type) Deduplicated() bool {
	return t != TypeInformational
}

func IsValidType(t Type) bool {
	_, ok := validTypes[t]
	return ok
}

func IsValidDeviceType(dt string) bool {
	_, ok := validDeviceTypes[dt]
	return ok
}

type Notification struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"-"`
	ItemID     *string   `json:"itemId,omitempty"`
	Type       Type      `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Persistent bool      `json:"persistent"`
	Read       bool      `json:"read"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DeviceToken represents a registered FCM device token
type DeviceToken struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"userId"`
	Token      string    `json:"token"`
	DeviceType string    `json:"deviceType"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsed   time.Time `json:"lastUsed"`
}

type CreateParams struct {
	UserID     int64
	ItemID     *string
	Type       Type
	Title      string
	Message    string
	Persistent bool
}

func (p CreateParams) Validate() error {
	if p.UserID <= 0 {
		return errors.New("valid user ID is required")
	}
	if !IsValidType(p.Type) {
		return ErrInvalidType
	}
	if p.Message == "" {
		return errors.New("notification message is required")
	}
	return nil
}

// CreateDeviceTokenParams contains parameters for registering a device
type CreateDeviceTokenParams struct {
	UserID     int64
	Token      string
	DeviceType string
}

func (p CreateDeviceTokenParams) Validate() error {
	if p.UserID <= 0 {
		return errors.New("valid user ID is required")
	}
	if p.Token == "" {
		return ErrInvalidToken
	}
	if !IsValidDeviceType(p.DeviceType) {
		return ErrInvalidDeviceType
	}
	return nil
}
