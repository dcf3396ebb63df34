package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchedTrade is one realized slice of a round trip: a quantity consumed from
// exactly one buy execution and one sell execution. Rows are append-only;
// corrections happen by deleting and re-deriving, never by updating in place.
type MatchedTrade struct {
	ID              string
	UserID          string
	Symbol          string
	Quantity        decimal.Decimal
	BuyPrice        decimal.Decimal
	SellPrice       decimal.Decimal
	BuyTime         time.Time
	SellTime        time.Time
	HoldMinutes     int64
	Commission      decimal.Decimal // prorated share of both legs' commissions
	Pnl             decimal.Decimal // (sell - buy) * quantity - commission
	PnlPercent      decimal.Decimal // pnl / (buy * quantity) * 100
	BuyExecutionID  string
	SellExecutionID string
	CreatedAt       time.Time
}
