package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	Symbol string
}

// ExecutionStore persists raw executions.
type ExecutionStore interface {
	// InsertBatch inserts executions, silently skipping rows whose
	// (user_id, external_id) already exists. It returns the rows that were
	// actually inserted; the difference from len(execs) is the duplicate
	// count. Duplicates must not re-enter matching.
	InsertBatch(ctx context.Context, execs []Execution) ([]Execution, error)
	GetByID(ctx context.Context, id string) (Execution, error)
	// ListBySymbol returns every execution for the user and symbol ordered
	// by executed_at ascending, ties broken by creation order.
	ListBySymbol(ctx context.Context, userID, symbol string) ([]Execution, error)
	// ListSymbols returns the distinct symbols the user has executions for.
	ListSymbols(ctx context.Context, userID string) ([]string, error)
	// NetQuantity computes sum(buy quantities) - sum(sell quantities)
	// directly from the raw rows.
	NetQuantity(ctx context.Context, userID, symbol string) (decimal.Decimal, error)
	// LastExecutedAt returns the most recent execution timestamp for the
	// user, or the zero time when none exist. Used to resume broker sync.
	LastExecutedAt(ctx context.Context, userID string) (time.Time, error)
	ListBefore(ctx context.Context, before time.Time) ([]Execution, error)
	DeleteByUser(ctx context.Context, userID string) error
}

// MatchedTradeStore persists the append-only matched-trade ledger.
type MatchedTradeStore interface {
	ListBySymbol(ctx context.Context, userID, symbol string) ([]MatchedTrade, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]MatchedTrade, error)
	// ListOrphaned returns matched trades whose buy or sell execution row no
	// longer exists.
	ListOrphaned(ctx context.Context, userID string) ([]OrphanedMatch, error)
	// SumMatchedByExecution returns the total matched quantity referencing
	// the given execution across all matched trades.
	SumMatchedByExecution(ctx context.Context, executionID string) (decimal.Decimal, error)
	ListBefore(ctx context.Context, before time.Time) ([]MatchedTrade, error)
}

// PositionStore persists open positions.
type PositionStore interface {
	Get(ctx context.Context, userID, symbol string) (OpenPosition, error)
	ListByUser(ctx context.Context, userID string) ([]OpenPosition, error)
	// SetFlags updates the lifecycle flags without touching quantities.
	SetFlags(ctx context.Context, userID, symbol string, longTerm, closedManually bool, reason string) error
}

// ReconcileStore applies a SymbolDelta atomically: matched-trade appends,
// execution consumption updates, and the position upsert/delete commit in a
// single transaction per symbol group, or not at all.
type ReconcileStore interface {
	Apply(ctx context.Context, delta SymbolDelta) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
