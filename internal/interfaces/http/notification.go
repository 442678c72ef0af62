package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"finsync/internal/domain/notification"
	"finsync/internal/shared/middleware"
)

type NotificationHandler struct {
	notificationService *notification.Service
	logger              *zap.Logger
}

func NewNotificationHandler(notificationService *notification.Service, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{notificationService: notificationService, logger: logger.Named("notification-http")}
}

// --- Request/Response types ---

type RegisterDeviceRequest struct {
	Token      string `json:"token"`
	DeviceType string `json:"device_type"`
}

type NotificationResponse struct {
	ID         string  `json:"id"`
	ItemID     *string `json:"item_id"`
	Type       string  `json:"type"`
	Title      string  `json:"title"`
	Message    string  `json:"message"`
	Persistent bool    `json:"persistent"`
	Read       bool    `json:"read"`
	CreatedAt  string  `json:"created_at"`
}

type NotificationListResponse struct {
	Notifications []NotificationResponse `json:"notifications"`
}

// --- Handlers ---

// HandleNotifications handles GET /api/notifications/ (active only)
func (h *NotificationHandler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	notifications, err := h.notificationService.ListActive(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	resp := NotificationListResponse{Notifications: make([]NotificationResponse, 0, len(notifications))}
	for _, n := range notifications {
		resp.Notifications = append(resp.Notifications, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRead handles POST /api/notifications/{id}/read
func (h *NotificationHandler) HandleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.update(w, r, "mark read", h.notificationService.MarkRead)
}

// HandleDismiss handles DELETE /api/notifications/{id}
func (h *NotificationHandler) HandleDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.update(w, r, "dismiss", h.notificationService.Dismiss)
}

func (h *NotificationHandler) update(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id string, userID int64) error) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	notificationID := r.PathValue("id")
	if notificationID == "" {
		writeError(w, http.StatusBadRequest, "notification ID is required")
		return
	}

	if err := fn(r.Context(), notificationID, userID); err != nil {
		if errors.Is(err, notification.ErrNotificationNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		h.logger.Error("failed to update notification",
			zap.String("op", op), zap.String("notification_id", notificationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update notification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleRegisterDevice handles POST /api/notifications/register-device/
func (h *NotificationHandler) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := notification.CreateDeviceTokenParams{
		UserID:     userID,
		Token:      req.Token,
		DeviceType: req.DeviceType,
	}

	token, err := h.notificationService.RegisterDevice(r.Context(), params)
	if err != nil {
		if errors.Is(err, notification.ErrInvalidToken) || errors.Is(err, notification.ErrInvalidDeviceType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to register device", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"token":   token.Token,
	})
}

// --- Helpers ---

func toNotificationResponse(n *notification.Notification) NotificationResponse {
	return NotificationResponse{
		ID:         n.ID,
		ItemID:     n.ItemID,
		Type:       string(n.Type),
		Title:      n.Title,
		Message:    n.Message,
		Persistent: n.Persistent,
		Read:       n.Read,
		CreatedAt:  n.CreatedAt.Format(timeLayout),
	}
}
