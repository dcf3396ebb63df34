package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/money"
)

// TradeSummary aggregates a user's realized results.
type TradeSummary struct {
	Trades      int
	Wins        int
	Losses      int
	TotalPnl    decimal.Decimal
	Commission  decimal.Decimal
	AvgHoldMins int64
}

// TradeService answers matched-trade queries. The ledger itself is written
// only by reconciliation; this service is read-only.
type TradeService struct {
	trades domain.MatchedTradeStore
}

// NewTradeService creates a TradeService.
func NewTradeService(trades domain.MatchedTradeStore) *TradeService {
	return &TradeService{trades: trades}
}

// ListMatched returns the user's matched trades, optionally filtered by
// symbol and time range.
func (s *TradeService) ListMatched(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.MatchedTrade, error) {
	trades, err := s.trades.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list matched: %w", err)
	}
	return trades, nil
}

// Summary folds the user's matched trades into realized totals.
func (s *TradeService) Summary(ctx context.Context, userID string, opts domain.ListOpts) (TradeSummary, error) {
	trades, err := s.trades.ListByUser(ctx, userID, opts)
	if err != nil {
		return TradeSummary{}, fmt.Errorf("trade_service: summary: %w", err)
	}

	sum := TradeSummary{
		TotalPnl:   decimal.Zero,
		Commission: decimal.Zero,
	}
	var holdTotal int64
	for _, t := range trades {
		sum.Trades++
		sum.TotalPnl = sum.TotalPnl.Add(t.Pnl)
		sum.Commission = sum.Commission.Add(t.Commission)
		holdTotal += t.HoldMinutes
		if t.Pnl.IsPositive() {
			sum.Wins++
		} else if t.Pnl.IsNegative() {
			sum.Losses++
		}
	}
	sum.TotalPnl = money.Round(sum.TotalPnl)
	sum.Commission = money.Round(sum.Commission)
	if sum.Trades > 0 {
		sum.AvgHoldMins = holdTotal / int64(sum.Trades)
	}
	return sum, nil
}
