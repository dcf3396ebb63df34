// Package matcher implements FIFO pairing of buy and sell executions for a
// single (user, symbol). Match is a pure function: the same input slice always
// produces the same output, which is what makes full rebuilds re-derivable.
package matcher

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/money"
)

// Lot is the unconsumed remainder of one execution after matching.
type Lot struct {
	ExecutionID string
	Side        domain.Side
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Commission  decimal.Decimal // prorated commission still attached to the lot
	ExecutedAt  time.Time
}

// Result is the outcome of matching one symbol's executions.
type Result struct {
	Matched   []domain.MatchedTrade
	OpenBuys  []Lot
	OpenSells []Lot
	// Consumed maps execution ID to the total quantity matched from it,
	// including any consumption the execution carried into the run.
	Consumed map[string]decimal.Decimal
}

// queue entry carrying mutable remainders during the run.
type lot struct {
	exec       *domain.Execution
	remaining  decimal.Decimal
	perUnitFee decimal.Decimal
}

// Match pairs the executions FIFO: the earliest unconsumed buy against the
// earliest unconsumed sell, min(remainders) units at a time. A sell that
// predates every remaining buy is short exposure; it is moved to the open
// side unmatched so realized trades never carry a negative holding time.
//
// Executions must be pre-validated; Match does not reject input.
func Match(userID, symbol string, execs []domain.Execution) Result {
	buys, sells := partition(execs)

	res := Result{Consumed: make(map[string]decimal.Decimal, len(execs))}
	for _, e := range execs {
		res.Consumed[e.ID] = e.MatchedQuantity
	}

	bi, si := 0, 0
	for bi < len(buys) && si < len(sells) {
		b, s := buys[bi], sells[si]

		if s.exec.ExecutedAt.Before(b.exec.ExecutedAt) {
			// No earlier buy exists to cover this sell: it opens (or adds
			// to) short exposure instead of realizing a trade.
			res.OpenSells = append(res.OpenSells, toLot(s))
			si++
			continue
		}

		qty := money.Min(b.remaining, s.remaining)
		res.Matched = append(res.Matched, newMatch(userID, symbol, qty, b, s))

		b.remaining = b.remaining.Sub(qty)
		s.remaining = s.remaining.Sub(qty)
		res.Consumed[b.exec.ID] = res.Consumed[b.exec.ID].Add(qty)
		res.Consumed[s.exec.ID] = res.Consumed[s.exec.ID].Add(qty)

		if b.remaining.IsZero() {
			bi++
		}
		if s.remaining.IsZero() {
			si++
		}
	}

	for ; bi < len(buys); bi++ {
		res.OpenBuys = append(res.OpenBuys, toLot(buys[bi]))
	}
	for ; si < len(sells); si++ {
		res.OpenSells = append(res.OpenSells, toLot(sells[si]))
	}

	return res
}

// partition splits the executions into buy and sell queues, each sorted
// ascending by execution time with input order preserved on ties.
func partition(execs []domain.Execution) (buys, sells []*lot) {
	for i := range execs {
		e := &execs[i]
		remaining := e.Quantity.Sub(e.MatchedQuantity)
		if !remaining.IsPositive() {
			continue
		}
		l := &lot{
			exec:       e,
			remaining:  remaining,
			perUnitFee: money.Div(e.Commission, e.Quantity),
		}
		if e.IsBuy() {
			buys = append(buys, l)
		} else {
			sells = append(sells, l)
		}
	}
	sort.SliceStable(buys, func(i, j int) bool {
		return buys[i].exec.ExecutedAt.Before(buys[j].exec.ExecutedAt)
	})
	sort.SliceStable(sells, func(i, j int) bool {
		return sells[i].exec.ExecutedAt.Before(sells[j].exec.ExecutedAt)
	})
	return buys, sells
}

// newMatch builds the realized trade for qty units consumed from b and s.
// Commission is prorated per unit on both legs; P&L and P&L percent are
// rounded with the ledger rule.
func newMatch(userID, symbol string, qty decimal.Decimal, b, s *lot) domain.MatchedTrade {
	commission := money.Round(qty.Mul(b.perUnitFee).Add(qty.Mul(s.perUnitFee)))
	gross := s.exec.Price.Sub(b.exec.Price).Mul(qty)
	pnl := money.Round(gross.Sub(commission))

	cost := b.exec.Price.Mul(qty)
	var pnlPercent decimal.Decimal
	if !cost.IsZero() {
		pnlPercent = money.Div(pnl.Mul(decimal.NewFromInt(100)), cost)
	}

	return domain.MatchedTrade{
		UserID:          userID,
		Symbol:          symbol,
		Quantity:        qty,
		BuyPrice:        b.exec.Price,
		SellPrice:       s.exec.Price,
		BuyTime:         b.exec.ExecutedAt,
		SellTime:        s.exec.ExecutedAt,
		HoldMinutes:     int64(s.exec.ExecutedAt.Sub(b.exec.ExecutedAt) / time.Minute),
		Commission:      commission,
		Pnl:             pnl,
		PnlPercent:      pnlPercent,
		BuyExecutionID:  b.exec.ID,
		SellExecutionID: s.exec.ID,
	}
}

func toLot(l *lot) Lot {
	return Lot{
		ExecutionID: l.exec.ID,
		Side:        l.exec.Side,
		Quantity:    l.remaining,
		Price:       l.exec.Price,
		Commission:  money.Round(l.remaining.Mul(l.perUnitFee)),
		ExecutedAt:  l.exec.ExecutedAt,
	}
}
