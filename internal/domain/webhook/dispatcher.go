package webhook

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"finsync/internal/domain/item"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/openfinance"
	ofclient "finsync/internal/infrastructure/openfinance"
	"finsync/internal/queue"
)

// Refresher enqueues item sub-syncs.
type Refresher interface {
	Refresh(ctx context.Context, it *item.Item, opts openfinance.RefreshOptions) (*openfinance.RefreshResult, error)
}

// Notifier manages item health notifications.
type Notifier interface {
	Notify(ctx context.Context, it *item.Item, event notification.Event) (*notification.Notification, error)
	Retire(ctx context.Context, it *item.Item, types ...notification.Type) (int64, error)
}

// Dispatcher carries out the action of a verified webhook.
type Dispatcher struct {
	items     item.Repository
	refresher Refresher
	notifier  Notifier
	logger    *zap.Logger
}

func NewDispatcher(items item.Repository, refresher Refresher, notifier Notifier, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{items: items, refresher: refresher, notifier: notifier, logger: logger.Named("webhook-dispatcher")}
}

// Dispatch handles ev. Errors that cannot succeed on retry are marked
// queue.Permanent.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	route, err := ev.Route()
	if err != nil {
		return queue.Permanent(err)
	}
	log := d.logger.With(zap.String("webhook", route.String()), zap.String("plaid_item_id", ev.ItemID))

	if route.Action == ActionIgnore {
		log.Info("webhook acknowledged, no action")
		return nil
	}

	it, err := d.items.GetByPlaidItemID(ctx, ev.ItemID)
	if err != nil {
		if errors.Is(err, item.ErrItemNotFound) {
			log.Warn("webhook for unknown item")
			return queue.Permanent(err)
		}
		return fmt.Errorf("failed to load item for webhook: %w", err)
	}
	log = log.With(zap.String("item_id", it.ID))

	switch route.Action {
	case ActionSyncTransactions:
		return d.refresh(ctx, log, it, openfinance.RefreshOptions{Transactions: true, SyncAccountsFirst: true, BypassCooldown: true})
	case ActionSyncInvestments:
		return d.refresh(ctx, log, it, openfinance.RefreshOptions{Investments: true, BypassCooldown: true})
	case ActionSyncLiabilities:
		return d.refresh(ctx, log, it, openfinance.RefreshOptions{Liabilities: true, BypassCooldown: true})

	case ActionItemError:
		event := notification.EventConnectionError
		if ev.Error == nil || ev.Error.ErrorCode == "" || ev.Error.ErrorCode == ofclient.CodeItemLoginRequired {
			event = notification.EventLoginRequired
		}
		if ev.Error != nil {
			log = log.With(zap.String("error_code", ev.Error.ErrorCode))
		}
		log.Warn("item error reported")
		return d.unhealthy(ctx, it, event)

	case ActionLoginRepaired:
		if err := d.items.UpdateHealthy(ctx, it.ID, true); err != nil {
			return fmt.Errorf("failed to mark item %s healthy: %w", it.ID, err)
		}
		if _, err := d.notifier.Retire(ctx, it, notification.HealthTypes...); err != nil {
			return err
		}
		return d.notify(ctx, it, notification.EventLoginRepaired)

	case ActionNewAccounts:
		return d.notify(ctx, it, notification.EventNewAccountsAvailable)

	case ActionPendingExpiration:
		return d.notify(ctx, it, notification.EventPendingExpiration)

	case ActionPermissionRevoked:
		if err := d.items.UpdateHealthy(ctx, it.ID, false); err != nil {
			return fmt.Errorf("failed to mark item %s unhealthy: %w", it.ID, err)
		}
		if err := d.items.Deactivate(ctx, it.ID); err != nil {
			return fmt.Errorf("failed to deactivate item %s: %w", it.ID, err)
		}
		// Prompts to re-link make no sense for an unlinked item.
		if _, err := d.notifier.Retire(ctx, it, notification.HealthTypes...); err != nil {
			return err
		}
		log.Info("item deactivated after permission revoked")
		return d.notify(ctx, it, notification.EventPermissionRevoked)

	case ActionAccountRevoked:
		return d.unhealthy(ctx, it, notification.EventAccountRevoked)
	}

	return queue.Permanent(fmt.Errorf("%w: %s", ErrWebhookNotImplemented, route))
}

func (d *Dispatcher) refresh(ctx context.Context, log *zap.Logger, it *item.Item, opts openfinance.RefreshOptions) error {
	res, err := d.refresher.Refresh(ctx, it, opts)
	if err != nil {
		if errors.Is(err, item.ErrItemInactive) {
			log.Info("item inactive, webhook dropped")
			return nil
		}
		return fmt.Errorf("failed to enqueue refresh: %w", err)
	}
	log.Info("webhook refresh enqueued", zap.Int("jobs", len(res.Jobs)))
	return nil
}

func (d *Dispatcher) unhealthy(ctx context.Context, it *item.Item, event notification.Event) error {
	if err := d.items.UpdateHealthy(ctx, it.ID, false); err != nil {
		return fmt.Errorf("failed to mark item %s unhealthy: %w", it.ID, err)
	}
	return d.notify(ctx, it, event)
}

func (d *Dispatcher) notify(ctx context.Context, it *item.Item, event notification.Event) error {
	if _, err := d.notifier.Notify(ctx, it, event); err != nil {
		return fmt.Errorf("failed to notify %s: %w", event, err)
	}
	return nil
}
