package matcher

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/money"
)

// BuildPosition folds the leftover lots of a match result into a single open
// position. The net quantity is signed (buys minus sells); the average price
// is quantity-weighted over the lots on the dominant side. It returns nil
// when the leftovers net to exactly zero: a flat symbol has no position row.
func BuildPosition(userID, symbol string, r Result, now time.Time) *domain.OpenPosition {
	buyQty, buyNotional, buyComm := FoldLots(r.OpenBuys)
	sellQty, sellNotional, sellComm := FoldLots(r.OpenSells)

	net := buyQty.Sub(sellQty)
	if net.IsZero() {
		return nil
	}

	avg := decimal.Zero
	if net.IsPositive() {
		if !buyQty.IsZero() {
			avg = money.Div(buyNotional, buyQty)
		}
	} else if !sellQty.IsZero() {
		avg = money.Div(sellNotional, sellQty)
	}

	return &domain.OpenPosition{
		UserID:      userID,
		Symbol:      symbol,
		NetQuantity: net,
		AvgPrice:    avg,
		Commission:  money.Round(buyComm.Add(sellComm)),
		UpdatedAt:   now,
	}
}

// FoldLots sums the quantity, price-weighted notional, and commission of a
// set of lots.
func FoldLots(lots []Lot) (qty, notional, commission decimal.Decimal) {
	qty, notional, commission = decimal.Zero, decimal.Zero, decimal.Zero
	for _, l := range lots {
		qty = qty.Add(l.Quantity)
		notional = notional.Add(l.Quantity.Mul(l.Price))
		commission = commission.Add(l.Commission)
	}
	return qty, notional, commission
}
