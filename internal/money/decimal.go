// Package money fixes the numeric policy for every quantity, price,
// commission, and P&L figure in the ledger: shopspring decimals with a single
// scale and a single rounding rule, so recomputation from the same inputs is
// reproducible bit-for-bit.
package money

import "github.com/shopspring/decimal"

// Scale is the number of fractional digits carried by persisted values.
// Matches the NUMERIC(30,8) columns in the store.
const Scale int32 = 8

// Epsilon is the tolerance for quantity comparisons between derived state and
// raw executions. One unit in the last persisted digit.
var Epsilon = decimal.New(1, -Scale)

// Round applies the persistence rounding rule: banker's rounding at Scale.
// Every division result and every value crossing the storage boundary goes
// through here; intermediate additions and multiplications stay unrounded.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

// Div divides a by b and rounds the quotient with the ledger rule. b must be
// non-zero; callers guard against zero denominators before dividing.
func Div(a, b decimal.Decimal) decimal.Decimal {
	return Round(a.DivRound(b, Scale+4))
}

// WeightedAverage returns the quantity-weighted mean of two priced lots:
// (q1*p1 + q2*p2) / (q1+q2), rounded with the ledger rule. It returns zero
// when the combined quantity is zero.
func WeightedAverage(q1, p1, q2, p2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.IsZero() {
		return decimal.Zero
	}
	return Div(q1.Mul(p1).Add(q2.Mul(p2)), total)
}

// Equal reports whether a and b agree within Epsilon.
func Equal(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// IsZero reports whether d is zero within Epsilon.
func IsZero(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(Epsilon)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
