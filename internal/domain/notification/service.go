package notification

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"finsync/internal/domain/item"
	"finsync/internal/shared/messages"
)

// Event is an item health event that produces a notification.
type Event int

const (
	EventConnectionError Event = iota
	EventLoginRequired
	EventPendingExpiration
	EventAccountRevoked
	EventNewAccountsAvailable
	EventLoginRepaired
	EventPermissionRevoked
)

func (e Event) String() string {
	switch e {
	case EventConnectionError:
		return "connection_error"
	case EventLoginRequired:
		return "login_required"
	case EventPendingExpiration:
		return "pending_expiration"
	case EventAccountRevoked:
		return "account_revoked"
	case EventNewAccountsAvailable:
		return "new_accounts_available"
	case EventLoginRepaired:
		return "login_repaired"
	case EventPermissionRevoked:
		return "permission_revoked"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// HealthTypes are the notification types retired when an item recovers.
var HealthTypes = []Type{TypeConnectionError, TypeLinkUpdate, TypeLinkUpdateAccounts}

// Service manages the lifecycle of item health notifications.
type Service struct {
	repo      Repository
	messenger Messenger
	messages  *messages.Messages
	logger    *zap.Logger
}

// NewService creates a new notification service. messenger may be nil, in
// which case nothing is pushed.
func NewService(repo Repository, messenger Messenger, msgs *messages.Messages, logger *zap.Logger) *Service {
	if msgs == nil {
		msgs = messages.Default()
	}
	return &Service{repo: repo, messenger: messenger, messages: msgs, logger: logger.Named("notification")}
}

func (s *Service) describe(event Event) (Type, messages.MessageText, bool, error) {
	switch event {
	case EventConnectionError:
		return TypeConnectionError, s.messages.ConnectionError, true, nil
	case EventLoginRequired:
		return TypeLinkUpdate, s.messages.LinkUpdate, true, nil
	case EventPendingExpiration:
		return TypeLinkUpdate, s.messages.PendingExpiration, true, nil
	case EventAccountRevoked:
		return TypeLinkUpdate, s.messages.AccountRevoked, true, nil
	case EventNewAccountsAvailable:
		return TypeLinkUpdateAccounts, s.messages.LinkUpdateAccounts, true, nil
	case EventLoginRepaired:
		return TypeInformational, s.messages.LoginRepaired, false, nil
	case EventPermissionRevoked:
		return TypeInformational, s.messages.PermissionRevoked, false, nil
	default:
		return "", messages.MessageText{}, false, fmt.Errorf("unknown notification event %v", event)
	}
}

// Notify records the notification for event on it. Deduplicated types
// replace the prior active notification of the same scope.
func (s *Service) Notify(ctx context.Context, it *item.Item, event Event) (*Notification, error) {
	typ, text, persistent, err := s.describe(event)
	if err != nil {
		return nil, err
	}
	text = text.Render(it.InstitutionName)

	itemID := it.ID
	params := CreateParams{
		UserID:     it.UserID,
		ItemID:     &itemID,
		Type:       typ,
		Title:      text.Title,
		Message:    text.Body,
		Persistent: persistent,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var n *Notification
	if typ.Deduplicated() {
		n, err = s.repo.ReplaceActive(ctx, params)
		// A concurrent job won the race for the active slot; retire it and
		// try once more so the newest event is the one left active.
		if errors.Is(err, ErrActiveConflict) {
			s.logger.Debug("active notification conflict, retrying",
				zap.String("item_id", it.ID), zap.String("type", string(typ)))
			n, err = s.repo.ReplaceActive(ctx, params)
		}
	} else {
		n, err = s.repo.Create(ctx, params)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store %s notification: %w", typ, err)
	}

	s.logger.Info("notification created",
		zap.Int64("user_id", it.UserID),
		zap.String("item_id", it.ID),
		zap.String("type", string(typ)),
		zap.Stringer("event", event),
	)

	if persistent {
		s.push(ctx, n)
	}
	return n, nil
}

// Retire deactivates the item's active notifications of the given types.
func (s *Service) Retire(ctx context.Context, it *item.Item, types ...Type) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	n, err := s.repo.DeactivateForItem(ctx, it.UserID, it.ID, types)
	if err != nil {
		return 0, fmt.Errorf("failed to retire notifications for item %s: %w", it.ID, err)
	}
	if n > 0 {
		s.logger.Info("notifications retired", zap.String("item_id", it.ID), zap.Int64("count", n))
	}
	return n, nil
}

// push sends the notification to the user's devices. Delivery failures are
// logged and never fail the caller.
func (s *Service) push(ctx context.Context, n *Notification) {
	if s.messenger == nil {
		return
	}

	tokens, err := s.repo.GetActiveTokensByUserID(ctx, n.UserID)
	if err != nil {
		s.logger.Warn("failed to load device tokens", zap.Int64("user_id", n.UserID), zap.Error(err))
		return
	}
	if len(tokens) == 0 {
		return
	}

	tokenStrings := make([]string, len(tokens))
	for i, t := range tokens {
		tokenStrings[i] = t.Token
	}

	if err := s.messenger.Deliver(ctx, tokenStrings, PushFor(n)); err != nil {
		s.logger.Warn("push delivery failed", zap.Int64("user_id", n.UserID), zap.Error(err))
	}
}

// ListActive returns the user's active notifications, newest first.
func (s *Service) ListActive(ctx context.Context, userID int64) ([]*Notification, error) {
	if userID <= 0 {
		return nil, errors.New("valid user ID is required")
	}
	return s.repo.ListActiveByUserID(ctx, userID)
}

// MarkRead marks a notification read. Non-persistent notifications are
// retired on read.
func (s *Service) MarkRead(ctx context.Context, id string, userID int64) error {
	if id == "" {
		return errors.New("notification ID is required")
	}
	return s.repo.MarkRead(ctx, id, userID)
}

func (s *Service) Dismiss(ctx context.Context, id string, userID int64) error {
	if id == "" {
		return errors.New("notification ID is required")
	}
	return s.repo.Dismiss(ctx, id, userID)
}

// RegisterDevice registers a device token for the authenticated user.
func (s *Service) RegisterDevice(ctx context.Context, params CreateDeviceTokenParams) (*DeviceToken, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return s.repo.UpsertDeviceToken(ctx, params)
}
