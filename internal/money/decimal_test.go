package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRoundBankersRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"half rounds to even down", "0.000000125", "0.00000012"},
		{"half rounds to even up", "0.000000135", "0.00000014"},
		{"already at scale", "1.23456789", "1.23456789"},
		{"negative half", "-0.000000125", "-0.00000012"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Round(dec(tc.in))
			assert.True(t, got.Equal(dec(tc.want)), "got %s want %s", got, tc.want)
		})
	}
}

func TestWeightedAverage(t *testing.T) {
	t.Parallel()

	// Existing 100 units @ 50.00, new 50 units @ 56.00 -> 52.00 exactly.
	got := WeightedAverage(dec("100"), dec("50.00"), dec("50"), dec("56.00"))
	assert.True(t, got.Equal(dec("52.00")), "got %s", got)

	// Zero combined quantity degrades to zero, not a division error.
	got = WeightedAverage(decimal.Zero, dec("50"), decimal.Zero, dec("56"))
	assert.True(t, got.IsZero())
}

func TestWeightedAverageDeterministic(t *testing.T) {
	t.Parallel()

	// The same inputs must produce the identical representation every time;
	// full rebuild relies on this for idempotence.
	a := WeightedAverage(dec("3"), dec("10.123456789"), dec("7"), dec("11.987654321"))
	b := WeightedAverage(dec("3"), dec("10.123456789"), dec("7"), dec("11.987654321"))
	assert.Equal(t, a.String(), b.String())
}

func TestEqualWithinEpsilon(t *testing.T) {
	t.Parallel()

	assert.True(t, Equal(dec("1.00000001"), dec("1.00000002")))
	assert.False(t, Equal(dec("1.0000001"), dec("1.0000004")))
	assert.True(t, IsZero(dec("0.00000001")))
	assert.False(t, IsZero(dec("0.0000002")))
}

func TestAccumulationNoDrift(t *testing.T) {
	t.Parallel()

	// Thousands of additions of 0.1 stay exact, unlike binary floats.
	sum := decimal.Zero
	step := dec("0.1")
	for i := 0; i < 10000; i++ {
		sum = sum.Add(step)
	}
	assert.True(t, sum.Equal(dec("1000")), "got %s", sum)
}
