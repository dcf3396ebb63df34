package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// PositionService exposes open-position queries and the lifecycle flags that
// live outside reconciliation (long-term marking, manual close). It never
// touches quantities; those belong to the reconcile service alone.
type PositionService struct {
	positions domain.PositionStore
	bus       domain.SignalBus
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	positions domain.PositionStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		bus:       bus,
		audit:     audit,
		logger:    logger,
	}
}

// ListOpen returns all open positions for the user.
func (s *PositionService) ListOpen(ctx context.Context, userID string) ([]domain.OpenPosition, error) {
	positions, err := s.positions.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("position_service: list positions: %w", err)
	}
	return positions, nil
}

// Get returns the open position for one symbol.
func (s *PositionService) Get(ctx context.Context, userID, symbol string) (domain.OpenPosition, error) {
	pos, err := s.positions.Get(ctx, userID, symbol)
	if err != nil {
		return domain.OpenPosition{}, fmt.Errorf("position_service: get %s: %w", symbol, err)
	}
	return pos, nil
}

// MarkLongTerm flags or unflags a position as a long-term investment.
func (s *PositionService) MarkLongTerm(ctx context.Context, userID, symbol string, longTerm bool) error {
	pos, err := s.positions.Get(ctx, userID, symbol)
	if err != nil {
		return fmt.Errorf("position_service: get %s: %w", symbol, err)
	}

	if err := s.positions.SetFlags(ctx, userID, symbol, longTerm, pos.ClosedManually, pos.CloseReason); err != nil {
		return fmt.Errorf("position_service: mark long term %s: %w", symbol, err)
	}

	evt, _ := json.Marshal(map[string]any{
		"event":     "position_flagged",
		"user_id":   userID,
		"symbol":    symbol,
		"long_term": longTerm,
	})
	if pubErr := s.bus.Publish(ctx, "positions", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "position_service: publish event failed",
			slog.String("symbol", symbol),
			slog.String("error", pubErr.Error()),
		)
	}
	return nil
}

// ManualClose records that the user considers the position closed outside the
// ledger (for example a transfer the executions never covered). Quantities
// stay untouched so the next full rebuild still sees the truth; the flag and
// reason are bookkeeping for the user.
func (s *PositionService) ManualClose(ctx context.Context, userID, symbol, reason string) error {
	pos, err := s.positions.Get(ctx, userID, symbol)
	if err != nil {
		return fmt.Errorf("position_service: get %s: %w", symbol, err)
	}

	if err := s.positions.SetFlags(ctx, userID, symbol, pos.LongTerm, true, reason); err != nil {
		return fmt.Errorf("position_service: manual close %s: %w", symbol, err)
	}

	if auditErr := s.audit.Log(ctx, "position_manual_close", map[string]any{
		"user_id": userID,
		"symbol":  symbol,
		"reason":  reason,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "position_service: audit log failed",
			slog.String("error", auditErr.Error()),
		)
	}
	return nil
}
