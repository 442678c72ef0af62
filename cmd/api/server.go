package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"finsync/internal/bootstrap"
)

// StartServer creates the API server and starts it in the background.
// A listen failure is reported on the returned channel.
func StartServer(addr string, handler http.Handler, logger *zap.Logger) (*http.Server, <-chan error) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	return srv, errc
}

// GracefulShutdown stops accepting requests, then drains in-process workers.
func GracefulShutdown(srv *http.Server, workers *bootstrap.Workers, timeout time.Duration, logger *zap.Logger) {
	logger.Info("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("error shutting down http server", zap.Error(err))
	}
	if workers != nil {
		workers.Stop()
	}

	logger.Info("server stopped")
}
