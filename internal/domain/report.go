package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stage identifies how far a reconciliation run has progressed. Stages are
// recorded in logs and in the audit trail; a run that fails mid-way reports
// the last stage it completed.
type Stage string

const (
	StageReceived         Stage = "RECEIVED"
	StageGrouped          Stage = "GROUPED_BY_SYMBOL"
	StageMatched          Stage = "MATCHED"
	StagePersisted        Stage = "PERSISTED"
	StageIntegrityChecked Stage = "INTEGRITY_CHECKED"
	StageRebuildTriggered Stage = "REBUILD_TRIGGERED"
	StageDone             Stage = "DONE"
)

// RowError reports one input row that was rejected during validation. The
// offending row is excluded from the batch; it never aborts the whole batch.
type RowError struct {
	Row        int    `json:"row"`
	ExternalID string `json:"external_id,omitempty"`
	Reason     string `json:"reason"`
}

// SymbolError reports a symbol group whose persistence could not commit even
// after retries. Other symbols in the same batch are unaffected.
type SymbolError struct {
	Symbol string `json:"symbol"`
	Err    string `json:"error"`
}

// ReconciliationResult is returned by SubmitExecutions. A batch can partially
// succeed: Rejected lists invalid rows, FailedSymbols lists symbol groups
// whose transaction could not commit.
type ReconciliationResult struct {
	Inserted         int
	Duplicates       int
	Matched          []MatchedTrade
	PositionsTouched []OpenPosition
	RebuildTriggered bool
	RebuiltSymbols   []string
	Rejected         []RowError
	FailedSymbols    []SymbolError
}

// SymbolRebuild describes the outcome of a full rebuild for one symbol.
type SymbolRebuild struct {
	Symbol        string
	Executions    int
	MatchedTrades int
	OpenQuantity  decimal.Decimal
}

// RebuildReport is returned by RunFullRebuild.
type RebuildReport struct {
	UserID   string
	Symbols  []SymbolRebuild
	Duration time.Duration
}

// OrphanedMatch is a matched trade referencing an execution that no longer
// exists.
type OrphanedMatch struct {
	MatchedTradeID string
	Symbol         string
	MissingSide    Side // which leg's execution is missing
}

// QuantityMismatch is an open position whose stored net quantity disagrees
// with the net quantity recomputed from the raw executions.
type QuantityMismatch struct {
	Symbol   string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

// IntegrityReport is the read-only verdict of the integrity checker. It never
// mutates; remediation is the orchestrator's decision.
type IntegrityReport struct {
	UserID          string
	OrphanedMatches []OrphanedMatch
	Mismatches      []QuantityMismatch
	CheckedAt       time.Time
}

// RebuildRequired reports whether any finding warrants a full rebuild.
func (r *IntegrityReport) RebuildRequired() bool {
	return len(r.OrphanedMatches) > 0 || len(r.Mismatches) > 0
}

// AffectedSymbols returns the deduplicated set of symbols that need a rebuild.
func (r *IntegrityReport) AffectedSymbols() []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, o := range r.OrphanedMatches {
		if !seen[o.Symbol] {
			seen[o.Symbol] = true
			symbols = append(symbols, o.Symbol)
		}
	}
	for _, m := range r.Mismatches {
		if !seen[m.Symbol] {
			seen[m.Symbol] = true
			symbols = append(symbols, m.Symbol)
		}
	}
	return symbols
}

// ExecutionConsumption records how much of one execution's quantity a
// reconciliation consumed.
type ExecutionConsumption struct {
	ExecutionID  string
	Matched      decimal.Decimal // total matched after this reconciliation
	Remaining    decimal.Decimal
	FullyMatched bool
}

// SymbolDelta is the complete derived-state change for one (user, symbol)
// produced by an aggregator run. It is applied atomically by the reconcile
// store: either every part commits or none does.
type SymbolDelta struct {
	UserID string
	Symbol string

	// ResetDerived deletes all matched trades and the open position for the
	// symbol and zeroes every execution's consumption before applying the
	// rest of the delta (full-rebuild mode).
	ResetDerived bool

	Matched     []MatchedTrade
	Consumption []ExecutionConsumption

	// Position is the new open position snapshot; nil with RemovePosition
	// set means the position reached exactly zero and the row is deleted.
	Position       *OpenPosition
	RemovePosition bool
}
