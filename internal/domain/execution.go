package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an execution.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Execution is one raw buy or sell fill for a symbol. It is immutable after
// ingestion except for the consumption columns (MatchedQuantity,
// RemainingQuantity, FullyMatched), which only the reconciliation path writes.
type Execution struct {
	ID                string
	UserID            string
	Symbol            string
	Side              Side
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	Commission        decimal.Decimal
	ExecutedAt        time.Time
	ExternalID        string // broker/CSV trade id, used for idempotent dedup
	MatchedQuantity   decimal.Decimal
	RemainingQuantity decimal.Decimal
	FullyMatched      bool
	CreatedAt         time.Time
}

// Validate checks the invariants the matcher relies on: positive quantity and
// price, non-negative commission, a known side, and a timestamp. It returns
// ErrInvalidExecution wrapped with the specific reason.
func (e *Execution) Validate() error {
	switch {
	case e.Symbol == "":
		return invalidExecution("missing symbol")
	case e.Side != SideBuy && e.Side != SideSell:
		return invalidExecution("side must be BUY or SELL")
	case !e.Quantity.IsPositive():
		return invalidExecution("quantity must be positive")
	case !e.Price.IsPositive():
		return invalidExecution("price must be positive")
	case e.Commission.IsNegative():
		return invalidExecution("commission must not be negative")
	case e.ExecutedAt.IsZero():
		return invalidExecution("missing execution timestamp")
	}
	return nil
}

// IsBuy reports whether the execution is on the buy side.
func (e *Execution) IsBuy() bool {
	return e.Side == SideBuy
}
