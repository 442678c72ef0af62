// Package webhook verifies, routes and dispatches provider webhooks.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnrecognizedWebhook   = errors.New("unrecognized webhook")
	ErrWebhookNotImplemented = errors.New("webhook not implemented")
	ErrInvalidBody           = errors.New("invalid webhook body")
)

// Type is the webhook_type of a provider webhook.
type Type string

const (
	TypeTransactions Type = "TRANSACTIONS"
	TypeHoldings     Type = "HOLDINGS"
	TypeLiabilities  Type = "LIABILITIES"
	TypeItem         Type = "ITEM"
)

// Code is the webhook_code, scoped by Type.
type Code string

const (
	CodeSyncUpdatesAvailable  Code = "SYNC_UPDATES_AVAILABLE"
	CodeInitialUpdate         Code = "INITIAL_UPDATE"
	CodeHistoricalUpdate      Code = "HISTORICAL_UPDATE"
	CodeDefaultUpdate         Code = "DEFAULT_UPDATE"
	CodeTransactionsRemoved   Code = "TRANSACTIONS_REMOVED"
	CodeRecurringUpdate       Code = "RECURRING_TRANSACTIONS_UPDATE"
	CodeError                 Code = "ERROR"
	CodeLoginRepaired         Code = "LOGIN_REPAIRED"
	CodeNewAccountsAvailable  Code = "NEW_ACCOUNTS_AVAILABLE"
	CodePendingExpiration     Code = "PENDING_EXPIRATION"
	CodePendingDisconnect     Code = "PENDING_DISCONNECT"
	CodeUserPermissionRevoked Code = "USER_PERMISSION_REVOKED"
	CodeUserAccountRevoked    Code = "USER_ACCOUNT_REVOKED"
	CodeUpdateAcknowledged    Code = "WEBHOOK_UPDATE_ACKNOWLEDGED"
)

// Action is what the dispatcher does for a route.
type Action int

const (
	// ActionIgnore covers legacy and informational codes that are logged
	// and dropped.
	ActionIgnore Action = iota
	ActionSyncTransactions
	ActionSyncInvestments
	ActionSyncLiabilities
	ActionItemError
	ActionLoginRepaired
	ActionNewAccounts
	ActionPendingExpiration
	ActionPermissionRevoked
	ActionAccountRevoked
	// actionUnimplemented marks recognized codes with no handling yet.
	actionUnimplemented
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionSyncTransactions:
		return "sync_transactions"
	case ActionSyncInvestments:
		return "sync_investments"
	case ActionSyncLiabilities:
		return "sync_liabilities"
	case ActionItemError:
		return "item_error"
	case ActionLoginRepaired:
		return "login_repaired"
	case ActionNewAccounts:
		return "new_accounts"
	case ActionPendingExpiration:
		return "pending_expiration"
	case ActionPermissionRevoked:
		return "permission_revoked"
	case ActionAccountRevoked:
		return "account_revoked"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

var routes = map[Type]map[Code]Action{
	TypeTransactions: {
		CodeSyncUpdatesAvailable: ActionSyncTransactions,
		CodeInitialUpdate:        ActionIgnore,
		CodeHistoricalUpdate:     ActionIgnore,
		CodeDefaultUpdate:        ActionIgnore,
		CodeTransactionsRemoved:  ActionIgnore,
		CodeRecurringUpdate:      actionUnimplemented,
	},
	TypeHoldings: {
		CodeDefaultUpdate: ActionSyncInvestments,
	},
	TypeLiabilities: {
		CodeDefaultUpdate: ActionSyncLiabilities,
	},
	TypeItem: {
		CodeError:                 ActionItemError,
		CodeLoginRepaired:         ActionLoginRepaired,
		CodeNewAccountsAvailable:  ActionNewAccounts,
		CodePendingExpiration:     ActionPendingExpiration,
		CodePendingDisconnect:     actionUnimplemented,
		CodeUserPermissionRevoked: ActionPermissionRevoked,
		CodeUserAccountRevoked:    ActionAccountRevoked,
		CodeUpdateAcknowledged:    ActionIgnore,
	},
}

// Route is a resolved (type, code) pair.
type Route struct {
	Type   Type
	Code   Code
	Action Action
}

func (r Route) String() string {
	return string(r.Type) + "/" + string(r.Code)
}

// Resolve maps a webhook type and code onto its route.
func Resolve(webhookType, webhookCode string) (Route, error) {
	codes, ok := routes[Type(webhookType)]
	if !ok {
		return Route{}, fmt.Errorf("%w: type %q", ErrUnrecognizedWebhook, webhookType)
	}
	action, ok := codes[Code(webhookCode)]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s/%s", ErrUnrecognizedWebhook, webhookType, webhookCode)
	}
	if action == actionUnimplemented {
		return Route{}, fmt.Errorf("%w: %s/%s", ErrWebhookNotImplemented, webhookType, webhookCode)
	}
	return Route{Type: Type(webhookType), Code: Code(webhookCode), Action: action}, nil
}

// ItemError is the error object attached to ITEM/ERROR webhooks.
type ItemError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Event is a verified webhook body.
type Event struct {
	WebhookType string     `json:"webhook_type" validate:"required"`
	WebhookCode string     `json:"webhook_code" validate:"required"`
	ItemID      string     `json:"item_id" validate:"required"`
	Error       *ItemError `json:"error,omitempty"`
	Environment string     `json:"environment,omitempty"`
	// NewTransactions is sent with some transaction updates.
	NewTransactions int `json:"new_transactions,omitempty"`
	// ConsentExpirationTime accompanies PENDING_EXPIRATION.
	ConsentExpirationTime *string `json:"consent_expiration_time,omitempty"`
}

// Route resolves the event's route.
func (e *Event) Route() (Route, error) {
	return Resolve(e.WebhookType, e.WebhookCode)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a webhook body and resolves its route.
func Parse(body []byte) (*Event, Route, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, Route{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if err := validate.Struct(&ev); err != nil {
		return nil, Route{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	route, err := ev.Route()
	if err != nil {
		return nil, Route{}, err
	}
	return &ev, route, nil
}

// JobProcessWebhook is the webhooks queue job type.
const JobProcessWebhook = "process_webhook"

// JobPayload is the webhooks queue job payload.
type JobPayload struct {
	Webhook Event `json:"webhook" validate:"required"`
}
