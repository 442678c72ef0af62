package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"finsync/internal/domain/item"
	"finsync/internal/domain/openfinance"
	"finsync/internal/shared/middleware"
)

// Refresher enqueues the sub-syncs of an item refresh.
type Refresher interface {
	Refresh(ctx context.Context, it *item.Item, opts openfinance.RefreshOptions) (*openfinance.RefreshResult, error)
}

type ItemHandler struct {
	items     item.Repository
	refresher Refresher
	logger    *zap.Logger
}

func NewItemHandler(items item.Repository, refresher Refresher, logger *zap.Logger) *ItemHandler {
	return &ItemHandler{items: items, refresher: refresher, logger: logger.Named("item-http")}
}

// RefreshRequest selects products to refresh. An empty body refreshes all.
type RefreshRequest struct {
	Products          []string `json:"products"`
	SyncAccountsFirst bool     `json:"sync_accounts_first"`
}

type RefreshResponse struct {
	ItemID string            `json:"item_id"`
	Jobs   []RefreshedSubJob `json:"jobs"`
}

type RefreshedSubJob struct {
	SubSync string `json:"sub_sync"`
	JobID   string `json:"job_id"`
}

type RateLimitedResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
}

type ItemResponse struct {
	ID                          string  `json:"id"`
	InstitutionID               string  `json:"institution_id"`
	InstitutionName             string  `json:"institution_name"`
	Healthy                     bool    `json:"healthy"`
	LastRefreshedAt             *string `json:"last_refreshed_at"`
	TransactionsLastRefreshedAt *string `json:"transactions_last_refreshed_at"`
	CreatedAt                   string  `json:"created_at"`
}

// HandleListItems handles GET /api/items/
func (h *ItemHandler) HandleListItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	items, err := h.items.ListByUserID(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list items", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}

	resp := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, toItemResponse(it))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRefresh handles POST /api/items/{id}/refresh
func (h *ItemHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	itemID := r.PathValue("id")
	if itemID == "" {
		writeError(w, http.StatusBadRequest, "item ID is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opts, err := openfinance.ParseProducts(req.Products)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.SyncAccountsFirst = req.SyncAccountsFirst

	it, err := h.items.GetByID(r.Context(), itemID)
	if err != nil {
		if errors.Is(err, item.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		h.logger.Error("failed to load item", zap.String("item_id", itemID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to refresh item")
		return
	}
	// Foreign items are indistinguishable from missing ones.
	if it.UserID != userID {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}

	result, err := h.refresher.Refresh(r.Context(), it, opts)
	if err != nil {
		var rl *openfinance.RateLimitedError
		switch {
		case errors.As(err, &rl):
			seconds := int64(math.Ceil(rl.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
			writeJSON(w, http.StatusTooManyRequests, RateLimitedResponse{
				Error:             "refresh rate limited",
				RetryAfterSeconds: seconds,
			})
		case errors.Is(err, item.ErrItemInactive):
			writeError(w, http.StatusConflict, "item is not active")
		case errors.Is(err, openfinance.ErrNothingToRefresh):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("failed to refresh item", zap.String("item_id", itemID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to refresh item")
		}
		return
	}

	resp := RefreshResponse{ItemID: result.ItemID, Jobs: make([]RefreshedSubJob, 0, len(result.Jobs))}
	for _, j := range result.Jobs {
		resp.Jobs = append(resp.Jobs, RefreshedSubJob{SubSync: string(j.SubSync), JobID: j.JobID})
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func toItemResponse(it *item.Item) ItemResponse {
	return ItemResponse{
		ID:                          it.ID,
		InstitutionID:               it.InstitutionID,
		InstitutionName:             it.InstitutionName,
		Healthy:                     it.Healthy,
		LastRefreshedAt:             formatTime(it.LastRefreshedAt),
		TransactionsLastRefreshedAt: formatTime(it.TransactionsLastRefreshedAt),
		CreatedAt:                   it.CreatedAt.Format(timeLayout),
	}
}
