package notification

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"finsync/internal/domain/item"
)

type MockRepository struct {
	CreateFunc                  func(ctx context.Context, params CreateParams) (*Notification, error)
	ReplaceActiveFunc           func(ctx context.Context, params CreateParams) (*Notification, error)
	DeactivateForItemFunc       func(ctx context.Context, userID int64, itemID string, types []Type) (int64, error)
	ListActiveByUserIDFunc      func(ctx context.Context, userID int64) ([]*Notification, error)
	MarkReadFunc                func(ctx context.Context, id string, userID int64) error
	DismissFunc                 func(ctx context.Context, id string, userID int64) error
	UpsertDeviceTokenFunc       func(ctx context.Context, params CreateDeviceTokenParams) (*DeviceToken, error)
	GetActiveTokensByUserIDFunc func(ctx context.Context, userID int64) ([]*DeviceToken, error)
}

func (m *MockRepository) Create(ctx context.Context, params CreateParams) (*Notification, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, params)
	}
	return fromParams("n-created", params), nil
}
func (m *MockRepository) ReplaceActive(ctx context.Context, params CreateParams) (*Notification, error) {
	if m.ReplaceActiveFunc != nil {
		return m.ReplaceActiveFunc(ctx, params)
	}
	return fromParams("n-replaced", params), nil
}
func (m *MockRepository) DeactivateForItem(ctx context.Context, userID int64, itemID string, types []Type) (int64, error) {
	if m.DeactivateForItemFunc != nil {
		return m.DeactivateForItemFunc(ctx, userID, itemID, types)
	}
	return 0, nil
}
func (m *MockRepository) ListActiveByUserID(ctx context.Context, userID int64) ([]*Notification, error) {
	if m.ListActiveByUserIDFunc != nil {
		return m.ListActiveByUserIDFunc(ctx, userID)
	}
	return nil, nil
}
func (m *MockRepository) GetByID(ctx context.Context, id string, userID int64) (*Notification, error) {
	return nil, ErrNotificationNotFound
}
func (m *MockRepository) MarkRead(ctx context.Context, id string, userID int64) error {
	if m.MarkReadFunc != nil {
		return m.MarkReadFunc(ctx, id, userID)
	}
	return nil
}
func (m *MockRepository) Dismiss(ctx context.Context, id string, userID int64) error {
	if m.DismissFunc != nil {
		return m.DismissFunc(ctx, id, userID)
	}
	return nil
}
func (m *MockRepository) UpsertDeviceToken(ctx context.Context, params CreateDeviceTokenParams) (*DeviceToken, error) {
	if m.UpsertDeviceTokenFunc != nil {
		return m.UpsertDeviceTokenFunc(ctx, params)
	}
	return &DeviceToken{UserID: params.UserID, Token: params.Token, DeviceType: params.DeviceType, IsActive: true}, nil
}
func (m *MockRepository) GetActiveTokensByUserID(ctx context.Context, userID int64) ([]*DeviceToken, error) {
	if m.GetActiveTokensByUserIDFunc != nil {
		return m.GetActiveTokensByUserIDFunc(ctx, userID)
	}
	return nil, nil
}
func (m *MockRepository) DeactivateToken(ctx context.Context, token string) error { return nil }

func fromParams(id string, p CreateParams) *Notification {
	return &Notification{
		ID:         id,
		UserID:     p.UserID,
		ItemID:     p.ItemID,
		Type:       p.Type,
		Title:      p.Title,
		Message:    p.Message,
		Persistent: p.Persistent,
		Active:     true,
	}
}

type MockMessenger struct {
	deliveries int
	lastTokens []string
	lastPush   Push
	err        error
}

func (m *MockMessenger) Deliver(ctx context.Context, tokens []string, p Push) error {
	m.deliveries++
	m.lastTokens = tokens
	m.lastPush = p
	return m.err
}

func testItem() *item.Item {
	return &item.Item{ID: "item-1", UserID: 7, PlaidItemID: "plaid-1", InstitutionName: "First Bank"}
}

func TestNotify_DeduplicatedTypesUseReplaceActive(t *testing.T) {
	tests := []struct {
		event Event
		want  Type
	}{
		{EventConnectionError, TypeConnectionError},
		{EventLoginRequired, TypeLinkUpdate},
		{EventPendingExpiration, TypeLinkUpdate},
		{EventAccountRevoked, TypeLinkUpdate},
		{EventNewAccountsAvailable, TypeLinkUpdateAccounts},
	}

	for _, tt := range tests {
		t.Run(tt.event.String(), func(t *testing.T) {
			var replaced, created int
			repo := &MockRepository{
				ReplaceActiveFunc: func(ctx context.Context, p CreateParams) (*Notification, error) {
					replaced++
					return fromParams("n", p), nil
				},
				CreateFunc: func(ctx context.Context, p CreateParams) (*Notification, error) {
					created++
					return fromParams("n", p), nil
				},
			}
			svc := NewService(repo, nil, nil, zap.NewNop())

			n, err := svc.Notify(context.Background(), testItem(), tt.event)
			if err != nil {
				t.Fatalf("Notify() error = %v", err)
			}
			if n.Type != tt.want {
				t.Errorf("Type = %q, want %q", n.Type, tt.want)
			}
			if !n.Persistent {
				t.Error("expected persistent notification")
			}
			if replaced != 1 || created != 0 {
				t.Errorf("replaced=%d created=%d, want 1/0", replaced, created)
			}
			if n.ItemID == nil || *n.ItemID != "item-1" {
				t.Errorf("ItemID = %v, want item-1", n.ItemID)
			}
		})
	}
}

func TestNotify_InformationalIsNotDeduplicated(t *testing.T) {
	for _, event := range []Event{EventLoginRepaired, EventPermissionRevoked} {
		var created int
		repo := &MockRepository{
			ReplaceActiveFunc: func(ctx context.Context, p CreateParams) (*Notification, error) {
				t.Fatal("informational notifications must not replace")
				return nil, nil
			},
			CreateFunc: func(ctx context.Context, p CreateParams) (*Notification, error) {
				created++
				return fromParams("n", p), nil
			},
		}
		svc := NewService(repo, nil, nil, zap.NewNop())

		n, err := svc.Notify(context.Background(), testItem(), event)
		if err != nil {
			t.Fatalf("Notify(%v) error = %v", event, err)
		}
		if n.Type != TypeInformational || n.Persistent {
			t.Errorf("Notify(%v) = type %q persistent %v, want informational non-persistent", event, n.Type, n.Persistent)
		}
		if created != 1 {
			t.Errorf("created = %d, want 1", created)
		}
	}
}

func TestNotify_RendersInstitutionName(t *testing.T) {
	svc := NewService(&MockRepository{}, nil, nil, zap.NewNop())

	n, err := svc.Notify(context.Background(), testItem(), EventLoginRequired)
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if want := "Please sign in to First Bank again to keep your accounts up to date."; n.Message != want {
		t.Errorf("Message = %q, want %q", n.Message, want)
	}
}

func TestNotify_RetriesOnceOnActiveConflict(t *testing.T) {
	calls := 0
	repo := &MockRepository{
		ReplaceActiveFunc: func(ctx context.Context, p CreateParams) (*Notification, error) {
			calls++
			if calls == 1 {
				return nil, ErrActiveConflict
			}
			return fromParams("n", p), nil
		},
	}
	svc := NewService(repo, nil, nil, zap.NewNop())

	if _, err := svc.Notify(context.Background(), testItem(), EventLoginRequired); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("ReplaceActive calls = %d, want 2", calls)
	}
}

func TestNotify_GivesUpAfterSecondConflict(t *testing.T) {
	repo := &MockRepository{
		ReplaceActiveFunc: func(ctx context.Context, p CreateParams) (*Notification, error) {
			return nil, ErrActiveConflict
		},
	}
	svc := NewService(repo, nil, nil, zap.NewNop())

	_, err := svc.Notify(context.Background(), testItem(), EventConnectionError)
	if !errors.Is(err, ErrActiveConflict) {
		t.Errorf("Notify() error = %v, want ErrActiveConflict", err)
	}
}

func TestNotify_PushesPersistentOnly(t *testing.T) {
	repo := &MockRepository{
		GetActiveTokensByUserIDFunc: func(ctx context.Context, userID int64) ([]*DeviceToken, error) {
			return []*DeviceToken{{Token: "tok-a"}, {Token: "tok-b"}}, nil
		},
	}
	messenger := &MockMessenger{}
	svc := NewService(repo, messenger, nil, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Notify(ctx, testItem(), EventLoginRequired); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Notify(ctx, testItem(), EventLoginRepaired); err != nil {
		t.Fatal(err)
	}

	if messenger.deliveries != 1 {
		t.Fatalf("deliveries = %d, want 1", messenger.deliveries)
	}
	if len(messenger.lastTokens) != 2 {
		t.Errorf("tokens = %v, want 2", messenger.lastTokens)
	}
	data := messenger.lastPush.Data
	if data["itemId"] != "item-1" || data["type"] != string(TypeLinkUpdate) {
		t.Errorf("data = %v", data)
	}
	if messenger.lastPush.Title == "" || messenger.lastPush.Body == "" {
		t.Errorf("push = %+v, want rendered title and body", messenger.lastPush)
	}
}

func TestNotify_PushFailureDoesNotFail(t *testing.T) {
	repo := &MockRepository{
		GetActiveTokensByUserIDFunc: func(ctx context.Context, userID int64) ([]*DeviceToken, error) {
			return []*DeviceToken{{Token: "tok"}}, nil
		},
	}
	svc := NewService(repo, &MockMessenger{err: errors.New("fcm down")}, nil, zap.NewNop())

	if _, err := svc.Notify(context.Background(), testItem(), EventConnectionError); err != nil {
		t.Errorf("Notify() error = %v, want nil", err)
	}
}

func TestNotify_UnknownEvent(t *testing.T) {
	svc := NewService(&MockRepository{}, nil, nil, zap.NewNop())
	if _, err := svc.Notify(context.Background(), testItem(), Event(99)); err == nil {
		t.Error("expected error for unknown event")
	}
}

func TestRetire(t *testing.T) {
	var gotTypes []Type
	repo := &MockRepository{
		DeactivateForItemFunc: func(ctx context.Context, userID int64, itemID string, types []Type) (int64, error) {
			if userID != 7 || itemID != "item-1" {
				t.Errorf("scope = (%d, %s)", userID, itemID)
			}
			gotTypes = types
			return 2, nil
		},
	}
	svc := NewService(repo, nil, nil, zap.NewNop())

	n, err := svc.Retire(context.Background(), testItem(), HealthTypes...)
	if err != nil {
		t.Fatalf("Retire() error = %v", err)
	}
	if n != 2 || len(gotTypes) != 3 {
		t.Errorf("Retire() = %d with types %v", n, gotTypes)
	}

	if n, err := svc.Retire(context.Background(), testItem()); n != 0 || err != nil {
		t.Errorf("Retire() with no types = %d, %v", n, err)
	}
}

func TestRegisterDevice_Validation(t *testing.T) {
	svc := NewService(&MockRepository{}, nil, nil, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name    string
		params  CreateDeviceTokenParams
		wantErr error
	}{
		{"missing token", CreateDeviceTokenParams{UserID: 1, DeviceType: "ios"}, ErrInvalidToken},
		{"bad device type", CreateDeviceTokenParams{UserID: 1, Token: "t", DeviceType: "web"}, ErrInvalidDeviceType},
		{"valid", CreateDeviceTokenParams{UserID: 1, Token: "t", DeviceType: "android"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RegisterDevice(ctx, tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("RegisterDevice() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
