package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/matcher"
	"github.com/alanyoungcy/tradeledger/internal/money"
)

// Aggregator derives the matched-trade and open-position state for one
// (user, symbol). Two strategies implement it: incremental (cheap, batch-only)
// and full (authoritative, re-derives from the entire history). Both run the
// same matching core so they cannot diverge in logic, only in scope.
type Aggregator interface {
	// Mode identifies the strategy in logs and audit entries.
	Mode() string
	// Reconcile computes the SymbolDelta to persist. Incremental mode reads
	// only the batch plus the stored position snapshot; full mode ignores
	// the batch and loads the complete execution history.
	Reconcile(ctx context.Context, userID, symbol string, batch []domain.Execution) (domain.SymbolDelta, error)
}

// ---------------------------------------------------------------------------
// Incremental
// ---------------------------------------------------------------------------

// IncrementalAggregator matches only within the new batch (new buys against
// new sells) and folds the leftovers into the stored snapshot with the
// weighted-average formula. It never re-matches already-consumed historical
// executions: a sell arriving in a later batch than its buy stays open until
// the next full rebuild. That under-matching is a known property of this
// mode, not a bug; only full rebuild is certified against the complete set.
type IncrementalAggregator struct {
	positions domain.PositionStore
}

// NewIncrementalAggregator creates the batch-scoped strategy.
func NewIncrementalAggregator(positions domain.PositionStore) *IncrementalAggregator {
	return &IncrementalAggregator{positions: positions}
}

// Mode implements Aggregator.
func (a *IncrementalAggregator) Mode() string { return "incremental" }

// Reconcile implements Aggregator.
func (a *IncrementalAggregator) Reconcile(ctx context.Context, userID, symbol string, batch []domain.Execution) (domain.SymbolDelta, error) {
	res := matcher.Match(userID, symbol, batch)

	snapshot, err := a.positions.Get(ctx, userID, symbol)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.SymbolDelta{}, fmt.Errorf("aggregator: load position %s/%s: %w", userID, symbol, err)
	}

	merged := mergeSnapshot(snapshot, res, time.Now().UTC())

	delta := domain.SymbolDelta{
		UserID:      userID,
		Symbol:      symbol,
		Matched:     res.Matched,
		Consumption: consumptionFor(batch, res),
	}
	if merged == nil {
		delta.RemovePosition = true
	} else {
		merged.UserID = userID
		merged.Symbol = symbol
		delta.Position = merged
	}
	return delta, nil
}

// mergeSnapshot nets the batch leftovers into the existing position. Adding
// exposure on the same side recomputes the weighted average; reducing keeps
// the average untouched; crossing through zero restarts the average at the
// batch side's price. A combined quantity of exactly zero removes the row.
func mergeSnapshot(snapshot domain.OpenPosition, res matcher.Result, now time.Time) *domain.OpenPosition {
	qty := snapshot.NetQuantity
	avg := snapshot.AvgPrice
	commission := snapshot.Commission

	buyQty, buyNotional, buyComm := matcher.FoldLots(res.OpenBuys)
	sellQty, sellNotional, sellComm := matcher.FoldLots(res.OpenSells)
	commission = commission.Add(buyComm).Add(sellComm)

	if buyQty.IsPositive() {
		buyAvg := money.Div(buyNotional, buyQty)
		switch {
		case !qty.IsNegative():
			avg = money.WeightedAverage(qty, avg, buyQty, buyAvg)
			qty = qty.Add(buyQty)
		default:
			qty = qty.Add(buyQty)
			if qty.IsPositive() {
				avg = buyAvg
			}
		}
	}

	if sellQty.IsPositive() {
		sellAvg := money.Div(sellNotional, sellQty)
		switch {
		case !qty.IsPositive():
			avg = money.WeightedAverage(qty.Abs(), avg, sellQty, sellAvg)
			qty = qty.Sub(sellQty)
		default:
			qty = qty.Sub(sellQty)
			if qty.IsNegative() {
				avg = sellAvg
			}
		}
	}

	if qty.IsZero() {
		return nil
	}
	return &domain.OpenPosition{
		NetQuantity:    qty,
		AvgPrice:       avg,
		Commission:     money.Round(commission),
		LongTerm:       snapshot.LongTerm,
		ClosedManually: snapshot.ClosedManually,
		CloseReason:    snapshot.CloseReason,
		UpdatedAt:      now,
	}
}

// ---------------------------------------------------------------------------
// Full rebuild
// ---------------------------------------------------------------------------

// FullAggregator discards the symbol's derived state and re-runs the matcher
// over the entire execution history. It is the correctness baseline: running
// it twice with no new executions yields identical output.
type FullAggregator struct {
	executions domain.ExecutionStore
}

// NewFullAggregator creates the authoritative strategy.
func NewFullAggregator(executions domain.ExecutionStore) *FullAggregator {
	return &FullAggregator{executions: executions}
}

// Mode implements Aggregator.
func (a *FullAggregator) Mode() string { return "full" }

// Reconcile implements Aggregator. The batch argument is ignored; the entire
// stored history is the input.
func (a *FullAggregator) Reconcile(ctx context.Context, userID, symbol string, _ []domain.Execution) (domain.SymbolDelta, error) {
	history, err := a.executions.ListBySymbol(ctx, userID, symbol)
	if err != nil {
		return domain.SymbolDelta{}, fmt.Errorf("aggregator: load history %s/%s: %w", userID, symbol, err)
	}

	// Consumption columns are zeroed by ResetDerived before the delta is
	// applied; match from a clean slate regardless of what the rows carry.
	for i := range history {
		history[i].MatchedQuantity = decimal.Zero
	}

	res := matcher.Match(userID, symbol, history)

	delta := domain.SymbolDelta{
		UserID:       userID,
		Symbol:       symbol,
		ResetDerived: true,
		Matched:      res.Matched,
		Consumption:  consumptionFor(history, res),
	}
	if pos := matcher.BuildPosition(userID, symbol, res, time.Now().UTC()); pos != nil {
		delta.Position = pos
	} else {
		delta.RemovePosition = true
	}
	return delta, nil
}

// consumptionFor translates the matcher's consumed map into per-execution
// consumption rows for persistence.
func consumptionFor(execs []domain.Execution, res matcher.Result) []domain.ExecutionConsumption {
	out := make([]domain.ExecutionConsumption, 0, len(execs))
	for _, e := range execs {
		matched := res.Consumed[e.ID]
		remaining := e.Quantity.Sub(matched)
		out = append(out, domain.ExecutionConsumption{
			ExecutionID:  e.ID,
			Matched:      matched,
			Remaining:    remaining,
			FullyMatched: remaining.IsZero(),
		})
	}
	return out
}
