package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"finsync/internal/infrastructure/postgres"
	"finsync/internal/shared/config"
	"finsync/internal/shared/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "admin",
		Short:         "finsync admin - maintenance commands for the sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(requeueDeadCmd())
	rootCmd.AddCommand(refreshItemCmd())
	rootCmd.AddCommand(purgeEventsCmd())
	return rootCmd
}

// env holds what every command needs: validated config, a logger and a
// database handle.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *postgres.DB
}

func openEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Queue.Backend != "postgres" {
		return nil, fmt.Errorf("admin commands require QUEUE_BACKEND=postgres")
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: "console", Output: "stderr"})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger.Named("admin"), db: db}, nil
}

func (e *env) close() {
	e.db.Close()
	e.logger.Sync() //nolint:errcheck
}
