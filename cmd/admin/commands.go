package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"finsync/internal/bootstrap"
	"finsync/internal/domain/openfinance"
	"finsync/internal/infrastructure/postgres"
	"finsync/internal/queue"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			if err := postgres.Migrate(cmd.Context(), e.db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func requeueDeadCmd() *cobra.Command {
	var queueName string

	cmd := &cobra.Command{
		Use:   "requeue-dead",
		Short: "Move dead-lettered jobs back to pending",
		Long: `Move dead-lettered jobs of one queue back to pending with a fresh attempt budget.

Examples:
  admin requeue-dead --queue item-sync
  admin requeue-dead --queue webhooks`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch queueName {
			case queue.Webhooks, queue.ItemSync, queue.Logging:
			default:
				return fmt.Errorf("unknown queue %q", queueName)
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			n, err := postgres.NewJobBroker(e.db).RequeueDead(cmd.Context(), queueName)
			if err != nil {
				return err
			}
			e.logger.Info("requeued dead jobs", zap.String("queue", queueName), zap.Int64("count", n))
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d job(s) on %s\n", n, queueName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue name (webhooks, item-sync, logging)")
	cmd.MarkFlagRequired("queue") //nolint:errcheck
	return cmd
}

func refreshItemCmd() *cobra.Command {
	var (
		itemID        string
		products      []string
		accountsFirst bool
		force         bool
	)

	cmd := &cobra.Command{
		Use:   "refresh-item",
		Short: "Enqueue a refresh for one item",
		Long: `Enqueue sub-sync jobs for an item. The worker process runs them.

Examples:
  admin refresh-item --item-id 3f2b... --products transactions,balances
  admin refresh-item --item-id 3f2b... --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := openfinance.ParseProducts(products)
			if err != nil {
				return err
			}
			opts.SyncAccountsFirst = accountsFirst
			opts.BypassCooldown = force

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			stack, err := bootstrap.New(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer stack.Close()

			it, err := stack.Items.GetByID(cmd.Context(), itemID)
			if err != nil {
				return err
			}
			res, err := stack.Orchestrator.Refresh(cmd.Context(), it, opts)
			if err != nil {
				return err
			}
			for _, j := range res.Jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", j.SubSync, j.JobID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&itemID, "item-id", "", "item to refresh")
	cmd.Flags().StringSliceVarP(&products, "products", "p", nil, "sub-syncs to run (default all)")
	cmd.Flags().BoolVar(&accountsFirst, "accounts-first", false, "sync accounts before transactions")
	cmd.Flags().BoolVar(&force, "force", false, "ignore the refresh cooldown")
	cmd.MarkFlagRequired("item-id") //nolint:errcheck
	return cmd
}

func purgeEventsCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge-events",
		Short: "Delete old api events, webhook events and finished jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			cutoff := time.Now().Add(-olderThan)
			purges := []struct {
				name string
				fn   func() (int64, error)
			}{
				{"api_events", func() (int64, error) {
					return postgres.NewAPIEventRepository(e.db).PurgeOlderThan(cmd.Context(), cutoff)
				}},
				{"webhook_events", func() (int64, error) {
					return postgres.NewWebhookEventRepository(e.db).PurgeOlderThan(cmd.Context(), cutoff)
				}},
				{"jobs", func() (int64, error) {
					return postgres.NewJobBroker(e.db).PurgeFinished(cmd.Context(), cutoff)
				}},
			}
			for _, p := range purges {
				n, err := p.fn()
				if err != nil {
					return fmt.Errorf("purge %s: %w", p.name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d row(s) deleted\n", p.name, n)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age cutoff")
	return cmd
}
