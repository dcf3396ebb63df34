package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newIntegrityFixture() (*IntegrityService, *memStore) {
	store := newMemStore()
	svc := NewIntegrityService(
		&memExecutions{s: store},
		&memTrades{s: store},
		&memPositions{s: store},
		testLogger(),
	)
	return svc, store
}

func TestCheckCleanState(t *testing.T) {
	t.Parallel()

	svc, store := newIntegrityFixture()
	ctx := context.Background()

	_, err := (&memExecutions{s: store}).InsertBatch(ctx, []domain.Execution{
		testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0),
		testExec("u1", "AAPL", domain.SideSell, "4", "110", 5),
	})
	require.NoError(t, err)
	store.setPosition(domain.OpenPosition{
		UserID:      "u1",
		Symbol:      "AAPL",
		NetQuantity: dec("6"),
		AvgPrice:    dec("100"),
		UpdatedAt:   testBase,
	})

	report, err := svc.Check(ctx, "u1")
	require.NoError(t, err)

	assert.False(t, report.RebuildRequired())
	assert.Empty(t, report.OrphanedMatches)
	assert.Empty(t, report.Mismatches)
	assert.Equal(t, "u1", report.UserID)
	assert.False(t, report.CheckedAt.IsZero())
}

func TestCheckDetectsOrphanedMatch(t *testing.T) {
	t.Parallel()

	svc, store := newIntegrityFixture()
	ctx := context.Background()

	buy := testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0)
	sell := testExec("u1", "AAPL", domain.SideSell, "10", "120", 30)
	_, err := (&memExecutions{s: store}).InsertBatch(ctx, []domain.Execution{buy, sell})
	require.NoError(t, err)

	tradeID := uuid.New().String()
	store.trades[tradeID] = domain.MatchedTrade{
		ID:              tradeID,
		UserID:          "u1",
		Symbol:          "AAPL",
		Quantity:        dec("10"),
		BuyPrice:        dec("100"),
		SellPrice:       dec("120"),
		BuyTime:         buy.ExecutedAt,
		SellTime:        sell.ExecutedAt,
		Pnl:             dec("200"),
		BuyExecutionID:  buy.ID,
		SellExecutionID: sell.ID,
	}

	// The buy leg disappears; the ledger row now dangles.
	store.deleteExecution(buy.ID)

	report, err := svc.Check(ctx, "u1")
	require.NoError(t, err)

	require.Len(t, report.OrphanedMatches, 1)
	assert.Equal(t, "AAPL", report.OrphanedMatches[0].Symbol)
	assert.Equal(t, domain.SideBuy, report.OrphanedMatches[0].MissingSide)
	assert.True(t, report.RebuildRequired())
	assert.Contains(t, report.AffectedSymbols(), "AAPL")
}

func TestCheckDetectsQuantityMismatch(t *testing.T) {
	t.Parallel()

	svc, store := newIntegrityFixture()
	ctx := context.Background()

	_, err := (&memExecutions{s: store}).InsertBatch(ctx, []domain.Execution{
		testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0),
	})
	require.NoError(t, err)
	store.setPosition(domain.OpenPosition{
		UserID:      "u1",
		Symbol:      "AAPL",
		NetQuantity: dec("8"), // disagrees with the raw rows
		AvgPrice:    dec("100"),
		UpdatedAt:   testBase,
	})

	report, err := svc.Check(ctx, "u1")
	require.NoError(t, err)

	require.Len(t, report.Mismatches, 1)
	m := report.Mismatches[0]
	assert.Equal(t, "AAPL", m.Symbol)
	assert.True(t, m.Expected.Equal(dec("10")))
	assert.True(t, m.Actual.Equal(dec("8")))
}

func TestCheckTreatsMissingPositionAsZero(t *testing.T) {
	t.Parallel()

	svc, store := newIntegrityFixture()
	ctx := context.Background()

	_, err := (&memExecutions{s: store}).InsertBatch(ctx, []domain.Execution{
		testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0),
	})
	require.NoError(t, err)

	report, err := svc.Check(ctx, "u1")
	require.NoError(t, err)

	require.Len(t, report.Mismatches, 1)
	assert.True(t, report.Mismatches[0].Actual.IsZero())
}

func TestCheckFlagsPositionWithoutExecutions(t *testing.T) {
	t.Parallel()

	svc, store := newIntegrityFixture()
	ctx := context.Background()

	store.setPosition(domain.OpenPosition{
		UserID:      "u1",
		Symbol:      "GHOST",
		NetQuantity: dec("5"),
		AvgPrice:    dec("10"),
		UpdatedAt:   time.Now().UTC(),
	})

	report, err := svc.Check(ctx, "u1")
	require.NoError(t, err)

	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "GHOST", report.Mismatches[0].Symbol)
	assert.True(t, report.Mismatches[0].Expected.IsZero())
}
