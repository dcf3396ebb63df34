package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/money"
)

// IntegrityService runs the read-only consistency scans between raw
// executions and derived state. It reports findings; it never repairs them.
// Remediation is the reconcile service's decision.
type IntegrityService struct {
	executions domain.ExecutionStore
	trades     domain.MatchedTradeStore
	positions  domain.PositionStore
	logger     *slog.Logger
}

// NewIntegrityService creates an IntegrityService.
func NewIntegrityService(
	executions domain.ExecutionStore,
	trades domain.MatchedTradeStore,
	positions domain.PositionStore,
	logger *slog.Logger,
) *IntegrityService {
	return &IntegrityService{
		executions: executions,
		trades:     trades,
		positions:  positions,
		logger:     logger.With(slog.String("component", "integrity")),
	}
}

// Check runs the orphan scan and the quantity-mismatch scan for one user.
// The orphan scan flags matched trades whose buy or sell execution row no
// longer exists. The mismatch scan recomputes every symbol's expected net
// quantity straight from the raw executions and compares it with the stored
// position (a missing row counts as zero).
func (s *IntegrityService) Check(ctx context.Context, userID string) (domain.IntegrityReport, error) {
	report := domain.IntegrityReport{
		UserID:    userID,
		CheckedAt: time.Now().UTC(),
	}

	orphans, err := s.trades.ListOrphaned(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("integrity: orphan scan for %s: %w", userID, err)
	}
	report.OrphanedMatches = orphans

	stored, err := s.positions.ListByUser(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("integrity: list positions for %s: %w", userID, err)
	}
	bySymbol := make(map[string]decimal.Decimal, len(stored))
	for _, p := range stored {
		bySymbol[p.Symbol] = p.NetQuantity
	}

	symbols, err := s.executions.ListSymbols(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("integrity: list symbols for %s: %w", userID, err)
	}
	// Positions without any executions left behind are mismatches too.
	seen := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		seen[sym] = true
	}
	for _, p := range stored {
		if !seen[p.Symbol] {
			symbols = append(symbols, p.Symbol)
		}
	}

	for _, sym := range symbols {
		expected, err := s.executions.NetQuantity(ctx, userID, sym)
		if err != nil {
			return report, fmt.Errorf("integrity: net quantity %s/%s: %w", userID, sym, err)
		}
		actual := bySymbol[sym]
		if !money.Equal(expected, actual) {
			report.Mismatches = append(report.Mismatches, domain.QuantityMismatch{
				Symbol:   sym,
				Expected: expected,
				Actual:   actual,
			})
		}
	}

	if report.RebuildRequired() {
		s.logger.WarnContext(ctx, "integrity findings",
			slog.String("user_id", userID),
			slog.Int("orphans", len(report.OrphanedMatches)),
			slog.Int("mismatches", len(report.Mismatches)),
		)
	}

	return report, nil
}
