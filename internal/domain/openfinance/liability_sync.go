package openfinance

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"finsync/internal/domain/item"
	"finsync/internal/domain/liability"
	ofclient "finsync/internal/infrastructure/openfinance"
)

type LiabilitySyncResult struct {
	ItemID      string
	Liabilities int
	Skipped     bool
}

// LiabilitySyncService stores the provider's liability detail per account.
type LiabilitySyncService struct {
	client ofclient.ClientInterface
	repo   liability.Repository
	logger *zap.Logger
}

func NewLiabilitySyncService(client ofclient.ClientInterface, repo liability.Repository, logger *zap.Logger) *LiabilitySyncService {
	return &LiabilitySyncService{client: client, repo: repo, logger: logger.Named("liability-sync")}
}

func (s *LiabilitySyncService) SyncLiabilities(ctx context.Context, it *item.Item) (*LiabilitySyncResult, error) {
	result := &LiabilitySyncResult{ItemID: it.ID}

	out := Fetch(func() (*ofclient.LiabilitiesResponse, error) {
		return s.client.GetLiabilities(ctx, it.AccessToken)
	})
	switch out.Kind {
	case OutcomeOK:
	case OutcomeSkip:
		s.logger.Info("liabilities not supported for item, skipping",
			zap.String("item_id", it.ID), zap.String("code", out.Code()))
		result.Skipped = true
		return result, nil
	default:
		return nil, out.Error("liabilities")
	}

	var rows []*liability.Liability
	groups := []struct {
		kind    liability.Kind
		records []json.RawMessage
	}{
		{liability.KindCredit, out.Value.Liabilities.Credit},
		{liability.KindMortgage, out.Value.Liabilities.Mortgage},
		{liability.KindStudent, out.Value.Liabilities.Student},
	}
	for _, g := range groups {
		converted, err := convertLiabilities(it.ID, g.kind, g.records)
		if err != nil {
			return nil, err
		}
		rows = append(rows, converted...)
	}

	if err := s.repo.ReplaceLiabilities(ctx, it.ID, rows); err != nil {
		return nil, fmt.Errorf("failed to replace liabilities for item %s: %w", it.ID, err)
	}

	result.Liabilities = len(rows)
	s.logger.Info("liabilities synced", zap.String("item_id", it.ID), zap.Int("count", result.Liabilities))
	return result, nil
}

func convertLiabilities(itemID string, kind liability.Kind, records []json.RawMessage) ([]*liability.Liability, error) {
	out := make([]*liability.Liability, 0, len(records))
	for _, raw := range records {
		var head struct {
			AccountID string `json:"account_id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("failed to decode %s liability: %w", kind, err)
		}
		if head.AccountID == "" {
			continue
		}
		out = append(out, &liability.Liability{
			AccountID: head.AccountID,
			ItemID:    itemID,
			Kind:      kind,
			Details:   raw,
		})
	}
	return out, nil
}
