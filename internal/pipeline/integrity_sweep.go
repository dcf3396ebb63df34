package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// IntegritySweep periodically scans derived state for drift and repairs it
// with targeted rebuilds. Incremental reconciliation is fast but not
// self-verifying; the sweep is the safety net that guarantees derived state
// eventually converges on the execution history.
type IntegritySweep struct {
	reconciler Reconciler
	alerter    Alerter
	userID     string
	logger     *slog.Logger
}

// NewIntegritySweep creates a new IntegritySweep. alerter may be nil when
// notifications are disabled.
func NewIntegritySweep(reconciler Reconciler, alerter Alerter, userID string, logger *slog.Logger) *IntegritySweep {
	return &IntegritySweep{
		reconciler: reconciler,
		alerter:    alerter,
		userID:     userID,
		logger:     logger,
	}
}

// RunLoop sweeps on every tick until the context is cancelled. Sweep
// failures are logged and retried on the next tick.
func (s *IntegritySweep) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("integrity sweep loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("integrity sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce runs one integrity check and rebuilds every affected symbol.
func (s *IntegritySweep) SweepOnce(ctx context.Context) error {
	report, err := s.reconciler.CheckIntegrity(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("pipeline: integrity check: %w", err)
	}

	if !report.RebuildRequired() {
		s.logger.Debug("integrity sweep clean", slog.String("user_id", s.userID))
		return nil
	}

	symbols := report.AffectedSymbols()
	s.logger.Warn("integrity drift detected",
		slog.String("user_id", s.userID),
		slog.Int("orphans", len(report.OrphanedMatches)),
		slog.Int("mismatches", len(report.Mismatches)),
		slog.Any("symbols", symbols),
	)
	s.alert(ctx, "integrity_failed", "Integrity drift detected",
		fmt.Sprintf("Drift on %d symbol(s) for user %s: %v", len(symbols), s.userID, symbols))

	for _, symbol := range symbols {
		if _, err := s.reconciler.RunFullRebuild(ctx, s.userID, symbol); err != nil {
			s.logger.Error("drift rebuild failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("drift rebuild complete", slog.String("symbol", symbol))
	}

	s.alert(ctx, "rebuild_triggered", "Drift rebuild complete",
		fmt.Sprintf("Rebuilt %d symbol(s) for user %s after integrity drift", len(symbols), s.userID))

	return nil
}

func (s *IntegritySweep) alert(ctx context.Context, event, title, message string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
