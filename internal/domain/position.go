package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpenPosition is the still-unmatched net exposure for one (user, symbol).
// NetQuantity is signed: positive for net long, negative for net short. The
// row is deleted when the net quantity reaches exactly zero and recreated by
// the next execution that reopens exposure.
type OpenPosition struct {
	UserID         string
	Symbol         string
	NetQuantity    decimal.Decimal
	AvgPrice       decimal.Decimal // quantity-weighted average entry price
	Commission     decimal.Decimal // accumulated commission of the open lots
	LongTerm       bool            // marked as a long-term investment
	ClosedManually bool
	CloseReason    string
	UpdatedAt      time.Time
}

// IsFlat reports whether the position carries no exposure.
func (p *OpenPosition) IsFlat() bool {
	return p.NetQuantity.IsZero()
}

// IsShort reports whether the position is net short.
func (p *OpenPosition) IsShort() bool {
	return p.NetQuantity.IsNegative()
}

// MarketValue returns the position's entry value (avg price times absolute
// quantity).
func (p *OpenPosition) MarketValue() decimal.Decimal {
	return p.AvgPrice.Mul(p.NetQuantity.Abs())
}
