package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"finsync/internal/domain/webhook"
	"finsync/internal/queue"
)

// VerificationHeader carries the provider's signed verification token.
const VerificationHeader = "Plaid-Verification"

// WebhookAcceptor verifies and enqueues a raw webhook.
type WebhookAcceptor interface {
	Accept(ctx context.Context, token string, body []byte) (*queue.Job, error)
}

type WebhookHandler struct {
	intake WebhookAcceptor
	logger *zap.Logger
}

func NewWebhookHandler(intake WebhookAcceptor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{intake: intake, logger: logger.Named("webhook-http")}
}

type WebhookAcceptedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// HandlePlaid handles POST /webhooks/plaid. Verification, shape and routing
// failures are rejected with 400 and never enqueued.
func (h *WebhookHandler) HandlePlaid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.intake.Accept(r.Context(), r.Header.Get(VerificationHeader), body)
	if err != nil {
		if errors.Is(err, webhook.ErrEnqueueFailed) {
			h.logger.Error("webhook not enqueued", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to accept webhook")
			return
		}
		h.logger.Warn("webhook rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid webhook")
		return
	}

	writeJSON(w, http.StatusAccepted, WebhookAcceptedResponse{Status: "accepted", JobID: job.ID})
}
