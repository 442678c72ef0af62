package main

import (
	"net/http"

	"go.uber.org/zap"

	"finsync/internal/bootstrap"
	httphandlers "finsync/internal/interfaces/http"
	"finsync/internal/shared/auth"
	"finsync/internal/shared/config"
	"finsync/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(stack *bootstrap.Stack, cfg *config.Config, logger *zap.Logger) http.Handler {
	webhookHandler := httphandlers.NewWebhookHandler(stack.Intake, logger)
	itemHandler := httphandlers.NewItemHandler(stack.Items, stack.Orchestrator, logger)
	notificationHandler := httphandlers.NewNotificationHandler(stack.Notifications, logger)
	healthHandler := httphandlers.NewHealthHandler(stack.HealthChecks())

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler.HandleHealth)

	// Provider webhooks authenticate with a signed header, not a user token.
	mux.HandleFunc("POST /webhooks/plaid", webhookHandler.HandlePlaid)

	authMiddleware := middleware.Auth(auth.NewJWT(cfg.JWT.Secret))
	protected := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	protected("GET /api/items/", itemHandler.HandleListItems)
	protected("POST /api/items/{id}/refresh", itemHandler.HandleRefresh)
	protected("GET /api/notifications/", notificationHandler.HandleNotifications)
	protected("POST /api/notifications/register-device/", notificationHandler.HandleRegisterDevice)
	protected("POST /api/notifications/{id}/read", notificationHandler.HandleRead)
	protected("DELETE /api/notifications/{id}", notificationHandler.HandleDismiss)

	handler := middleware.Logging(logger)(mux)
	handler = middleware.Tracing(handler)
	handler = middleware.Telemetry("finsync-api")(handler)
	if cfg.Server.RequireHTTPS {
		handler = middleware.RequireHTTPS(cfg.Server.AllowedHosts)(middleware.HSTS(handler))
	}
	return handler
}
