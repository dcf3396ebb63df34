package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

func TestSweepOnceCleanReportDoesNothing(t *testing.T) {
	t.Parallel()

	rec := &fakeReconciler{report: domain.IntegrityReport{UserID: "u1"}}
	alerts := &fakeAlerter{}
	sweep := NewIntegritySweep(rec, alerts, "u1", testLogger())

	require.NoError(t, sweep.SweepOnce(context.Background()))

	assert.Equal(t, 1, rec.checkCalls)
	assert.Empty(t, rec.rebuiltSyms)
	assert.Empty(t, alerts.events)
}

func TestSweepOnceRebuildsDriftedSymbols(t *testing.T) {
	t.Parallel()

	rec := &fakeReconciler{report: domain.IntegrityReport{
		UserID: "u1",
		OrphanedMatches: []domain.OrphanedMatch{
			{MatchedTradeID: "t1", Symbol: "AAPL", MissingSide: domain.SideBuy},
		},
		Mismatches: []domain.QuantityMismatch{
			{Symbol: "MSFT", Expected: decimal.NewFromInt(10), Actual: decimal.NewFromInt(8)},
		},
	}}
	alerts := &fakeAlerter{}
	sweep := NewIntegritySweep(rec, alerts, "u1", testLogger())

	require.NoError(t, sweep.SweepOnce(context.Background()))

	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, rec.rebuiltSyms)
	assert.Contains(t, alerts.events, "integrity_failed")
	assert.Contains(t, alerts.events, "rebuild_triggered")
}

func TestSweepOnceContinuesPastRebuildFailure(t *testing.T) {
	t.Parallel()

	rec := &fakeReconciler{
		report: domain.IntegrityReport{
			UserID: "u1",
			Mismatches: []domain.QuantityMismatch{
				{Symbol: "AAPL"},
				{Symbol: "MSFT"},
			},
		},
		rebuildErr: errors.New("lock held"),
	}
	sweep := NewIntegritySweep(rec, nil, "u1", testLogger())

	require.NoError(t, sweep.SweepOnce(context.Background()))

	// Both symbols are attempted even though every rebuild fails.
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, rec.rebuiltSyms)
}

func TestSweepOncePropagatesCheckError(t *testing.T) {
	t.Parallel()

	rec := &fakeReconciler{checkErr: errors.New("db down")}
	sweep := NewIntegritySweep(rec, nil, "u1", testLogger())

	err := sweep.SweepOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity check")
}

func TestNextCronTimeMonthlySchedule(t *testing.T) {
	t.Parallel()

	after := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	next, err := nextCronTime("0 3 1 * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC), next)
}

func TestNextCronTimeDailySchedule(t *testing.T) {
	t.Parallel()

	after := time.Date(2026, 3, 15, 2, 59, 30, 0, time.UTC)
	next, err := nextCronTime("0 3 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC), next)
}

func TestNextCronTimeRejectsMalformedExpression(t *testing.T) {
	t.Parallel()

	_, err := nextCronTime("0 3 *", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "5 fields")
}
