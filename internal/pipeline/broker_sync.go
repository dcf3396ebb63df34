package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// backfillWindow is how far back the first sync reaches when the local ledger
// is empty or the last-execution timestamp cannot be determined.
const backfillWindow = 24 * time.Hour

// ExecutionFetcher pulls executions from the broker API.
type ExecutionFetcher interface {
	FetchExecutions(ctx context.Context, since time.Time) ([]domain.Execution, error)
}

// Reconciler is the subset of the reconciliation service the pipeline
// workers drive.
type Reconciler interface {
	SubmitExecutions(ctx context.Context, userID string, execs []domain.Execution) (domain.ReconciliationResult, error)
	RunFullRebuild(ctx context.Context, userID, symbol string) (domain.RebuildReport, error)
	CheckIntegrity(ctx context.Context, userID string) (domain.IntegrityReport, error)
}

// Alerter publishes operator notifications for pipeline events.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SyncCursor reads the newest stored execution timestamp, which anchors the
// next broker fetch.
type SyncCursor interface {
	LastExecutedAt(ctx context.Context, userID string) (time.Time, error)
}

// BrokerSync periodically pulls executions from the broker and feeds them
// through reconciliation. The broker API is the source of record for fills;
// the sync cursor is the newest executed_at already in the local ledger, so
// restarts resume where the previous run stopped.
type BrokerSync struct {
	fetcher    ExecutionFetcher
	executions SyncCursor
	reconciler Reconciler
	alerter    Alerter
	userID     string
	logger     *slog.Logger
}

// NewBrokerSync creates a new BrokerSync. alerter may be nil when
// notifications are disabled.
func NewBrokerSync(
	fetcher ExecutionFetcher,
	executions SyncCursor,
	reconciler Reconciler,
	alerter Alerter,
	userID string,
	logger *slog.Logger,
) *BrokerSync {
	return &BrokerSync{
		fetcher:    fetcher,
		executions: executions,
		reconciler: reconciler,
		alerter:    alerter,
		userID:     userID,
		logger:     logger,
	}
}

// RunLoop syncs once immediately, then on every tick until the context is
// cancelled. Individual sync failures are logged and retried on the next
// tick rather than stopping the loop.
func (s *BrokerSync) RunLoop(ctx context.Context, interval time.Duration) error {
	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Error("broker sync failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("broker sync loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Error("broker sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SyncOnce performs a single fetch-and-reconcile pass. The since cursor
// deliberately overlaps the newest stored execution: the broker endpoint is
// inclusive at the boundary and duplicate external ids are dropped
// idempotently downstream, so overlap is safe while a gap is not.
func (s *BrokerSync) SyncOnce(ctx context.Context) error {
	since, err := s.executions.LastExecutedAt(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("pipeline: broker sync cursor: %w", err)
	}
	if since.IsZero() {
		since = time.Now().UTC().Add(-backfillWindow)
		s.logger.Info("empty ledger, backfilling", slog.Time("since", since))
	}

	execs, err := s.fetcher.FetchExecutions(ctx, since)
	if err != nil {
		return fmt.Errorf("pipeline: broker fetch since %v: %w", since, err)
	}
	if len(execs) == 0 {
		return nil
	}

	result, err := s.reconciler.SubmitExecutions(ctx, s.userID, execs)
	if err != nil {
		s.alert(ctx, "reconcile_failed", "Reconciliation failed",
			fmt.Sprintf("Submitting %d broker executions failed: %v", len(execs), err))
		return fmt.Errorf("pipeline: reconcile broker executions: %w", err)
	}

	s.logger.Info("broker sync complete",
		slog.Int("fetched", len(execs)),
		slog.Int("inserted", result.Inserted),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("matched", len(result.Matched)),
	)

	if len(result.FailedSymbols) > 0 {
		for _, fs := range result.FailedSymbols {
			s.logger.Error("symbol reconciliation failed",
				slog.String("symbol", fs.Symbol),
				slog.String("error", fs.Err),
			)
		}
		s.alert(ctx, "reconcile_failed", "Symbol reconciliation failed",
			fmt.Sprintf("%d symbol(s) failed to reconcile for user %s", len(result.FailedSymbols), s.userID))
	}
	if result.RebuildTriggered {
		s.alert(ctx, "rebuild_triggered", "Full rebuild triggered",
			fmt.Sprintf("Drift detected during sync; rebuilt symbols: %v", result.RebuiltSymbols))
	}

	return nil
}

// HandleStreamed is an ingest.ExecutionHandler that feeds streamed
// executions through the same reconciliation path as polled ones.
func (s *BrokerSync) HandleStreamed(ctx context.Context, execs []domain.Execution) {
	result, err := s.reconciler.SubmitExecutions(ctx, s.userID, execs)
	if err != nil {
		s.logger.Error("streamed execution reconcile failed",
			slog.Int("count", len(execs)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("streamed executions reconciled",
		slog.Int("received", len(execs)),
		slog.Int("inserted", result.Inserted),
		slog.Int("duplicates", result.Duplicates),
	)
}

func (s *BrokerSync) alert(ctx context.Context, event, title, message string) {
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
