package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"finsync/internal/bootstrap"
	"finsync/internal/shared/config"
	"finsync/internal/shared/logging"
	"finsync/internal/shared/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Worker error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Queue.Backend == "memory" {
		return fmt.Errorf("QUEUE_BACKEND=memory runs workers inside the api process")
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.Named("worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, "worker", logger)
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

	workers := stack.StartWorkers(ctx)
	logger.Info("worker started", zap.Int("workers_per_queue", cfg.Queue.Workers))

	<-ctx.Done()
	logger.Info("worker shutting down")
	workers.Stop()
	logger.Info("worker stopped")
	return nil
}
