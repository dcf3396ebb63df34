package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

const (
	// maxRowErrors caps the per-row error list returned to the caller.
	maxRowErrors = 100
	// persistAttempts bounds the retry loop around a symbol-group commit.
	persistAttempts = 3
	// persistBackoff is the base delay between persistence retries, doubled
	// per attempt.
	persistBackoff = 200 * time.Millisecond
	// lockTTL bounds how long a crashed run can hold a symbol hostage.
	lockTTL = 2 * time.Minute
	// symbolConcurrency limits how many symbol groups reconcile in parallel.
	// Groups share no mutable state, so this is purely a resource cap.
	symbolConcurrency = 4
)

// ReconcileService is the single entry point collaborators call. It owns the
// locking discipline around derived state: only reconciliation runs mutate
// open positions, one run per (user, symbol) at a time.
type ReconcileService struct {
	executions  domain.ExecutionStore
	store       domain.ReconcileStore
	locks       domain.LockManager
	bus         domain.SignalBus
	audit       domain.AuditStore
	integrity   *IntegrityService
	incremental Aggregator
	full        Aggregator
	logger      *slog.Logger
}

// NewReconcileService creates a ReconcileService with all required
// dependencies.
func NewReconcileService(
	executions domain.ExecutionStore,
	store domain.ReconcileStore,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	integrity *IntegrityService,
	incremental Aggregator,
	full Aggregator,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		executions:  executions,
		store:       store,
		locks:       locks,
		bus:         bus,
		audit:       audit,
		integrity:   integrity,
		incremental: incremental,
		full:        full,
		logger:      logger.With(slog.String("component", "reconcile")),
	}
}

// SubmitExecutions ingests a batch of executions for one user and reconciles
// the affected symbols. Invalid rows are rejected individually, duplicates
// (same external id) are skipped idempotently, and each symbol group commits
// in its own transaction, so one failing symbol never poisons the rest.
// After persisting, the integrity checker runs; if it finds drift the
// affected symbols are rebuilt from the full history before returning.
func (s *ReconcileService) SubmitExecutions(ctx context.Context, userID string, execs []domain.Execution) (domain.ReconciliationResult, error) {
	var result domain.ReconciliationResult

	s.logger.InfoContext(ctx, "reconciliation received",
		slog.String("user_id", userID),
		slog.String("stage", string(domain.StageReceived)),
		slog.Int("rows", len(execs)),
	)

	valid := s.validate(userID, execs, &result)
	if len(valid) == 0 && len(result.Rejected) > 0 {
		return result, nil
	}

	inserted, err := s.executions.InsertBatch(ctx, valid)
	if err != nil {
		return result, fmt.Errorf("reconcile: insert executions: %w", err)
	}
	result.Inserted = len(inserted)
	result.Duplicates = len(valid) - len(inserted)

	groups := groupBySymbol(inserted)
	s.logger.InfoContext(ctx, "reconciliation grouped",
		slog.String("user_id", userID),
		slog.String("stage", string(domain.StageGrouped)),
		slog.Int("symbols", len(groups)),
	)

	s.reconcileGroups(ctx, userID, groups, &result)

	// Post-persist integrity check; escalate to full rebuild only for the
	// symbols the checker flags, never the whole account.
	report, err := s.integrity.Check(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "integrity check failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else if report.RebuildRequired() {
		result.RebuildTriggered = true
		for _, symbol := range report.AffectedSymbols() {
			if err := s.rebuildSymbol(ctx, userID, symbol, nil); err != nil {
				result.FailedSymbols = append(result.FailedSymbols, domain.SymbolError{
					Symbol: symbol,
					Err:    err.Error(),
				})
				continue
			}
			result.RebuiltSymbols = append(result.RebuiltSymbols, symbol)
		}
		s.logger.InfoContext(ctx, "rebuild triggered",
			slog.String("user_id", userID),
			slog.String("stage", string(domain.StageRebuildTriggered)),
			slog.Int("symbols", len(result.RebuiltSymbols)),
		)
	}

	s.publish(ctx, "reconciliations", map[string]any{
		"event":             "reconciliation_completed",
		"user_id":           userID,
		"inserted":          result.Inserted,
		"duplicates":        result.Duplicates,
		"matched":           len(result.Matched),
		"rejected":          len(result.Rejected),
		"failed_symbols":    len(result.FailedSymbols),
		"rebuild_triggered": result.RebuildTriggered,
	})

	if auditErr := s.audit.Log(ctx, "reconciliation", map[string]any{
		"user_id":  userID,
		"inserted": result.Inserted,
		"matched":  len(result.Matched),
		"rebuild":  result.RebuildTriggered,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", auditErr.Error()))
	}

	s.logger.InfoContext(ctx, "reconciliation done",
		slog.String("user_id", userID),
		slog.String("stage", string(domain.StageDone)),
	)
	return result, nil
}

// RunFullRebuild discards and re-derives matched trades and open positions
// from the complete execution history. An empty symbol rebuilds every symbol
// the user holds executions for. Each symbol is all-or-nothing: a rebuild
// that cannot commit leaves the symbol's pre-rebuild state untouched.
func (s *ReconcileService) RunFullRebuild(ctx context.Context, userID, symbol string) (domain.RebuildReport, error) {
	start := time.Now()
	report := domain.RebuildReport{UserID: userID}

	symbols := []string{symbol}
	if symbol == "" {
		var err error
		symbols, err = s.executions.ListSymbols(ctx, userID)
		if err != nil {
			return report, fmt.Errorf("reconcile: list symbols: %w", err)
		}
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		var sr domain.SymbolRebuild
		if err := s.rebuildSymbol(ctx, userID, sym, &sr); err != nil {
			return report, fmt.Errorf("%w: %s: %s", domain.ErrRebuildFailed, sym, err)
		}
		report.Symbols = append(report.Symbols, sr)
	}
	report.Duration = time.Since(start)

	if auditErr := s.audit.Log(ctx, "full_rebuild", map[string]any{
		"user_id": userID,
		"symbols": len(report.Symbols),
		"took_ms": report.Duration.Milliseconds(),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", auditErr.Error()))
	}

	return report, nil
}

// CheckIntegrity exposes the read-only integrity scan.
func (s *ReconcileService) CheckIntegrity(ctx context.Context, userID string) (domain.IntegrityReport, error) {
	return s.integrity.Check(ctx, userID)
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// validate filters out invalid rows, reporting each with its reason (capped),
// and stamps IDs on the survivors.
func (s *ReconcileService) validate(userID string, execs []domain.Execution, result *domain.ReconciliationResult) []domain.Execution {
	valid := make([]domain.Execution, 0, len(execs))
	for i, e := range execs {
		e.UserID = userID
		if err := e.Validate(); err != nil {
			if len(result.Rejected) < maxRowErrors {
				result.Rejected = append(result.Rejected, domain.RowError{
					Row:        i,
					ExternalID: e.ExternalID,
					Reason:     err.Error(),
				})
			}
			continue
		}
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		e.MatchedQuantity = decimal.Zero
		e.RemainingQuantity = e.Quantity
		valid = append(valid, e)
	}
	return valid
}

// reconcileGroups runs incremental reconciliation for every symbol group,
// symbol groups in parallel up to symbolConcurrency. Each group holds its
// (user, symbol) lock across matching and persistence.
func (s *ReconcileService) reconcileGroups(ctx context.Context, userID string, groups map[string][]domain.Execution, result *domain.ReconciliationResult) {
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(symbolConcurrency)

	for symbol, batch := range groups {
		g.Go(func() error {
			delta, err := s.reconcileSymbol(ctx, userID, symbol, batch)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.FailedSymbols = append(result.FailedSymbols, domain.SymbolError{
					Symbol: symbol,
					Err:    err.Error(),
				})
				// Partial success: other symbols keep going.
				return nil
			}
			result.Matched = append(result.Matched, delta.Matched...)
			if delta.Position != nil {
				result.PositionsTouched = append(result.PositionsTouched, *delta.Position)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// reconcileSymbol runs one aggregator pass under the symbol lock and persists
// the delta with bounded retries.
func (s *ReconcileService) reconcileSymbol(ctx context.Context, userID, symbol string, batch []domain.Execution) (domain.SymbolDelta, error) {
	unlock, err := s.locks.Acquire(ctx, domain.LockKey(userID, symbol), lockTTL)
	if err != nil {
		return domain.SymbolDelta{}, fmt.Errorf("acquire lock: %w", err)
	}
	defer unlock()

	delta, err := s.incremental.Reconcile(ctx, userID, symbol, batch)
	if err != nil {
		return domain.SymbolDelta{}, err
	}
	s.logger.DebugContext(ctx, "symbol matched",
		slog.String("user_id", userID),
		slog.String("symbol", symbol),
		slog.String("stage", string(domain.StageMatched)),
		slog.Int("matched", len(delta.Matched)),
	)

	if err := s.persist(ctx, delta); err != nil {
		return domain.SymbolDelta{}, err
	}
	s.logger.DebugContext(ctx, "symbol persisted",
		slog.String("user_id", userID),
		slog.String("symbol", symbol),
		slog.String("stage", string(domain.StagePersisted)),
	)
	return delta, nil
}

// rebuildSymbol runs the full aggregator for one symbol under its lock. When
// sr is non-nil the rebuild outcome is recorded into it.
func (s *ReconcileService) rebuildSymbol(ctx context.Context, userID, symbol string, sr *domain.SymbolRebuild) error {
	unlock, err := s.locks.Acquire(ctx, domain.LockKey(userID, symbol), lockTTL)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer unlock()

	// Abandon before the destructive delete commits if already cancelled.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrContextDone, err)
	}

	delta, err := s.full.Reconcile(ctx, userID, symbol, nil)
	if err != nil {
		return err
	}
	if err := s.persist(ctx, delta); err != nil {
		return err
	}

	if sr != nil {
		sr.Symbol = symbol
		sr.Executions = len(delta.Consumption)
		sr.MatchedTrades = len(delta.Matched)
		if delta.Position != nil {
			sr.OpenQuantity = delta.Position.NetQuantity
		}
	}

	s.publish(ctx, "reconciliations", map[string]any{
		"event":   "symbol_rebuilt",
		"user_id": userID,
		"symbol":  symbol,
		"matched": len(delta.Matched),
	})
	return nil
}

// persist applies the delta with bounded backoff. The store applies each
// delta in a single transaction, so a failed attempt leaves nothing behind.
func (s *ReconcileService) persist(ctx context.Context, delta domain.SymbolDelta) error {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(persistBackoff << (attempt - 1)):
			}
		}
		if err = s.store.Apply(ctx, delta); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		s.logger.WarnContext(ctx, "persist attempt failed",
			slog.String("symbol", delta.Symbol),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("reconcile: persist %s/%s: %w", delta.UserID, delta.Symbol, err)
}

func (s *ReconcileService) publish(ctx context.Context, channel string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, channel, data); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func groupBySymbol(execs []domain.Execution) map[string][]domain.Execution {
	groups := make(map[string][]domain.Execution)
	for _, e := range execs {
		groups[e.Symbol] = append(groups[e.Symbol], e)
	}
	return groups
}
