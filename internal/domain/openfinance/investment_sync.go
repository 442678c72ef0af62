package openfinance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"finsync/internal/domain/investment"
	"finsync/internal/domain/item"
	ofclient "finsync/internal/infrastructure/openfinance"
)

type InvestmentSyncResult struct {
	ItemID     string
	Holdings   int
	Securities int
	Skipped    bool
}

// InvestmentSyncService replaces an item's holdings with the provider's
// current snapshot.
type InvestmentSyncService struct {
	client ofclient.ClientInterface
	repo   investment.Repository
	logger *zap.Logger
}

func NewInvestmentSyncService(client ofclient.ClientInterface, repo investment.Repository, logger *zap.Logger) *InvestmentSyncService {
	return &InvestmentSyncService{client: client, repo: repo, logger: logger.Named("investment-sync")}
}

func (s *InvestmentSyncService) SyncInvestments(ctx context.Context, it *item.Item) (*InvestmentSyncResult, error) {
	result := &InvestmentSyncResult{ItemID: it.ID}

	out := Fetch(func() (*ofclient.HoldingsResponse, error) {
		return s.client.GetHoldings(ctx, it.AccessToken)
	})
	switch out.Kind {
	case OutcomeOK:
	case OutcomeSkip:
		s.logger.Info("investments not supported for item, skipping",
			zap.String("item_id", it.ID), zap.String("code", out.Code()))
		result.Skipped = true
		return result, nil
	default:
		return nil, out.Error("investments holdings")
	}

	securities := make([]*investment.Security, 0, len(out.Value.Securities))
	for _, sec := range out.Value.Securities {
		securities = append(securities, &investment.Security{
			ID:           sec.SecurityID,
			Name:         sec.Name,
			TickerSymbol: sec.TickerSymbol,
			Type:         sec.Type,
			ClosePrice:   sec.ClosePrice,
			IsoCurrency:  sec.IsoCurrency,
		})
	}

	holdings := make([]*investment.Holding, 0, len(out.Value.Holdings))
	for _, h := range out.Value.Holdings {
		holdings = append(holdings, &investment.Holding{
			AccountID:        h.AccountID,
			SecurityID:       h.SecurityID,
			ItemID:           it.ID,
			Quantity:         h.Quantity,
			CostBasis:        h.CostBasis,
			InstitutionPrice: h.InstitutionPrice,
			InstitutionValue: h.InstitutionValue,
			IsoCurrency:      h.IsoCurrency,
		})
	}

	if err := s.repo.ReplaceHoldings(ctx, it.ID, securities, holdings); err != nil {
		return nil, fmt.Errorf("failed to replace holdings for item %s: %w", it.ID, err)
	}

	result.Holdings = len(holdings)
	result.Securities = len(securities)
	s.logger.Info("investments synced",
		zap.String("item_id", it.ID),
		zap.Int("holdings", result.Holdings),
		zap.Int("securities", result.Securities),
	)
	return result, nil
}
