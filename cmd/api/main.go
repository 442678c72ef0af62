package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"finsync/internal/bootstrap"
	"finsync/internal/infrastructure/postgres"
	"finsync/internal/shared/config"
	"finsync/internal/shared/logging"
	"finsync/internal/shared/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.Named("api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, "api", logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	stack, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	if stack.DB != nil {
		if err := postgres.Migrate(ctx, stack.DB); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	// The memory backend cannot be shared with a separate worker process.
	var workers *bootstrap.Workers
	if cfg.Queue.Backend == "memory" {
		workers = stack.StartWorkers(ctx)
	}

	srv, errc := StartServer(cfg.Server.Host+":"+cfg.Server.Port, SetupRoutes(stack, cfg, logger), logger)

	select {
	case <-ctx.Done():
	case err := <-errc:
		GracefulShutdown(srv, workers, 30*time.Second, logger)
		return fmt.Errorf("http server: %w", err)
	}

	GracefulShutdown(srv, workers, 30*time.Second, logger)
	return nil
}
