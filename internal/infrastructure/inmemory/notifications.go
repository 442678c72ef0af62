package inmemory

import (
	"context"
	"sort"

	"finsync/internal/domain/notification"
)

type NotificationRepository struct{ s *Store }

var _ notification.Repository = (*NotificationRepository)(nil)

func sameScope(n *notification.Notification, userID int64, itemID *string, t notification.Type) bool {
	if n.UserID != userID || n.Type != t {
		return false
	}
	if n.ItemID == nil || itemID == nil {
		return n.ItemID == nil && itemID == nil
	}
	return *n.ItemID == *itemID
}

// insert enforces the one-active-per-scope rule the database gets from its
// partial unique index. Caller holds mu.
func (r *NotificationRepository) insert(params notification.CreateParams) (*notification.Notification, error) {
	if params.Type.Deduplicated() {
		for _, n := range r.s.notifications {
			if n.Active && sameScope(n, params.UserID, params.ItemID, params.Type) {
				return nil, notification.ErrActiveConflict
			}
		}
	}

	now := r.s.now()
	n := &notification.Notification{
		ID:         newID(),
		UserID:     params.UserID,
		ItemID:     params.ItemID,
		Type:       params.Type,
		Title:      params.Title,
		Message:    params.Message,
		Persistent: params.Persistent,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.s.notifications = append(r.s.notifications, n)
	return clone(n), nil
}

func (r *NotificationRepository) Create(_ context.Context, params notification.CreateParams) (*notification.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.insert(params)
}

func (r *NotificationRepository) ReplaceActive(_ context.Context, params notification.CreateParams) (*notification.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	for _, n := range r.s.notifications {
		if n.Active && sameScope(n, params.UserID, params.ItemID, params.Type) {
			n.Active = false
			n.UpdatedAt = now
		}
	}
	return r.insert(params)
}

func (r *NotificationRepository) DeactivateForItem(_ context.Context, userID int64, itemID string, types []notification.Type) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var changed int64
	now := r.s.now()
	for _, n := range r.s.notifications {
		if !n.Active || n.UserID != userID || n.ItemID == nil || *n.ItemID != itemID {
			continue
		}
		for _, t := range types {
			if n.Type == t {
				n.Active = false
				n.UpdatedAt = now
				changed++
				break
			}
		}
	}
	return changed, nil
}

func (r *NotificationRepository) ListActiveByUserID(_ context.Context, userID int64) ([]*notification.Notification, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*notification.Notification
	for _, n := range r.s.notifications {
		if n.Active && n.UserID == userID {
			out = append(out, clone(n))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *NotificationRepository) find(id string, userID int64) *notification.Notification {
	for _, n := range r.s.notifications {
		if n.ID == id && n.UserID == userID {
			return n
		}
	}
	return nil
}

func (r *NotificationRepository) GetByID(_ context.Context, id string, userID int64) (*notification.Notification, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	n := r.find(id, userID)
	if n == nil {
		return nil, notification.ErrNotificationNotFound
	}
	return clone(n), nil
}

func (r *NotificationRepository) MarkRead(_ context.Context, id string, userID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := r.find(id, userID)
	if n == nil {
		return notification.ErrNotificationNotFound
	}
	n.Read = true
	n.Active = n.Active && n.Persistent
	n.UpdatedAt = r.s.now()
	return nil
}

func (r *NotificationRepository) Dismiss(_ context.Context, id string, userID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := r.find(id, userID)
	if n == nil {
		return notification.ErrNotificationNotFound
	}
	n.Active = false
	n.UpdatedAt = r.s.now()
	return nil
}

func (r *NotificationRepository) UpsertDeviceToken(_ context.Context, params notification.CreateDeviceTokenParams) (*notification.DeviceToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	dt, ok := r.s.devices[params.Token]
	if !ok {
		dt = &notification.DeviceToken{ID: newID(), Token: params.Token, CreatedAt: now}
		r.s.devices[params.Token] = dt
	}
	dt.UserID = params.UserID
	dt.DeviceType = params.DeviceType
	dt.IsActive = true
	dt.LastUsed = now
	return clone(dt), nil
}

func (r *NotificationRepository) GetActiveTokensByUserID(_ context.Context, userID int64) ([]*notification.DeviceToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*notification.DeviceToken
	for _, dt := range r.s.devices {
		if dt.UserID == userID && dt.IsActive {
			out = append(out, clone(dt))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	return out, nil
}

func (r *NotificationRepository) DeactivateToken(_ context.Context, token string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if dt, ok := r.s.devices[token]; ok {
		dt.IsActive = false
	}
	return nil
}
