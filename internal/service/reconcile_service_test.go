package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

type reconcileFixture struct {
	svc   *ReconcileService
	store *memStore
	locks *memLock
	bus   *memBus
	audit *memAudit
}

func newReconcileFixture() *reconcileFixture {
	store := newMemStore()
	execs := &memExecutions{s: store}
	trades := &memTrades{s: store}
	positions := &memPositions{s: store}
	locks := newMemLock()
	bus := newMemBus()
	audit := &memAudit{}
	logger := testLogger()

	integrity := NewIntegrityService(execs, trades, positions, logger)
	svc := NewReconcileService(
		execs,
		store,
		locks,
		bus,
		audit,
		integrity,
		NewIncrementalAggregator(positions),
		NewFullAggregator(execs),
		logger,
	)
	return &reconcileFixture{svc: svc, store: store, locks: locks, bus: bus, audit: audit}
}

func TestSubmitExecutionsMatchesAndPersists(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture()
	ctx := context.Background()

	result, err := f.svc.SubmitExecutions(ctx, "u1", []domain.Execution{
		testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0),
		testExec("u1", "AAPL", domain.SideBuy, "5", "110", 10),
		testExec("u1", "AAPL", domain.SideSell, "12", "120", 20),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Inserted)
	assert.Zero(t, result.Duplicates)
	assert.Empty(t, result.Rejected)
	assert.Empty(t, result.FailedSymbols)
	assert.False(t, result.RebuildTriggered)

	trades := f.store.tradesFor("u1", "AAPL")
	require.Len(t, trades, 2)
	assert.True(t, trades[0].Pnl.Equal(dec("200")), "10 @ (120-100), got %s", trades[0].Pnl)
	assert.True(t, trades[1].Pnl.Equal(dec("20")), "2 @ (120-110), got %s", trades[1].Pnl)

	pos, err := (&memPositions{s: f.store}).Get(ctx, "u1", "AAPL")
	require.NoError(t, err)
	assert.True(t, pos.NetQuantity.Equal(dec("3")))
	assert.True(t, pos.AvgPrice.Equal(dec("110")))

	// Consumption conservation: matched + remaining == quantity, per row.
	for _, e := range f.store.execs {
		assert.True(t, e.MatchedQuantity.Add(e.RemainingQuantity).Equal(e.Quantity),
			"execution %s: %s + %s != %s", e.ID, e.MatchedQuantity, e.RemainingQuantity, e.Quantity)
	}

	assert.GreaterOrEqual(t, f.bus.published("reconciliations"), 1)
	assert.Contains(t, f.audit.events, "reconciliation")
}

func TestSubmitExecutionsRejectsInvalidRows(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture()

	bad := testExec("u1", "AAPL", domain.SideBuy, "1", "100", 0)
	bad.Quantity = dec("0")

	result, err := f.svc.SubmitExecutions(context.Background(), "u1", []domain.Execution{
		bad,
		testExec("u1", "AAPL", domain.SideBuy, "10", "100", 1),
	})
	require.NoError(t, err)

	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 0, result.Rejected[0].Row)
	assert.Equal(t, 1, result.Inserted, "valid rows still process")
}

func TestSubmitExecutionsSkipsDuplicateExternalIDs(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture()
	ctx := context.Background()

	e := testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0)
	e.ExternalID = "broker-1"

	first, err := f.svc.SubmitExecutions(ctx, "u1", []domain.Execution{e})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)

	replay := e
	replay.ID = ""
	second, err := f.svc.SubmitExecutions(ctx, "u1", []domain.Execution{replay})
	require.NoError(t, err)

	assert.Zero(t, second.Inserted)
	assert.Equal(t, 1, second.Duplicates)
	assert.Len(t, f.store.execs, 1, "replayed row must not re-enter the ledger")
}

func TestSubmitExecutionsPartialSymbolFailure(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture()
	ctx := context.Background()

	// Every persist attempt for MSFT fails; AAPL is unaffected.
	f.store.failSymbols["MSFT"] = persistAttempts

	result, err := f.svc.SubmitExecutions(ctx, "u1", []domain.Execution{
		testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0),
		testExec("u1", "MSFT", domain.SideBuy, "5", "300", 0),
	})
	require.NoError(t, err)

	var failed []string
	for _, fs := range result.FailedSymbols {
		failed = append(failed, fs.Symbol)
	}
	assert.Contains(t, failed, "MSFT")

	pos, err := (&memPositions{s: f.store}).Get(ctx, "u1", "AAPL")
	require.NoError(t, err)
	assert.True(t, pos.NetQuantity.Equal(dec("10")))
}

func TestSubmitExecutionsLockContention(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture()
	ctx := context.Background()

	// Another run already holds AAPL.
	unlock, err := f.locks.Acquire(ctx, domain.LockKey("u1", "AAPL"), lockTTL)
	require.NoError(t, err)
	defer unlock()

	result, err := f.svc.SubmitExecutions(ctx, "u1", []domain.Execution{
		testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0),
	})
	require.NoError(t, err)

	require.NotEmpty(t, result.FailedSymbols)
	assert.Equal(t, "AAPL", result.FailedSymbols[0].Symbol)
	assert.Empty(t, f.store.tradesFor("u1", "AAPL"))
}

func TestSubmitExecutionsRebuildsDriftedSymbols(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture()
	ctx := context.Background()

	// MSFT already has history backing a position of 10, but the stored row
	// drifted to 8. The AAPL submission's post-persist check must catch and
	// repair it.
	_, err := (&memExecutions{s: f.store}).InsertBatch(ctx, []domain.Execution{
		testExec("u1", "MSFT", domain.SideBuy, "10", "300", 0),
	})
	require.NoError(t, err)
	f.store.setPosition(domain.OpenPosition{
		UserID:      "u1",
		Symbol:      "MSFT",
		NetQuantity: dec("8"),
		AvgPrice:    dec("300"),
		UpdatedAt:   testBase,
	})

	result, err := f.svc.SubmitExecutions(ctx, "u1", []domain.Execution{
		testExec("u1", "AAPL", domain.SideBuy, "5", "100", 0),
	})
	require.NoError(t, err)

	assert.True(t, result.RebuildTriggered)
	assert.Contains(t, result.RebuiltSymbols, "MSFT")
	assert.NotContains(t, result.RebuiltSymbols, "AAPL", "healthy symbols are left alone")

	pos, err := (&memPositions{s: f.store}).Get(ctx, "u1", "MSFT")
	require.NoError(t, err)
	assert.True(t, pos.NetQuantity.Equal(dec("10")), "rebuild restores the position from raw rows")
}

func TestRunFullRebuildIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture()
	ctx := context.Background()

	_, err := f.svc.SubmitExecutions(ctx, "u1", []domain.Execution{
		testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0),
		testExec("u1", "AAPL", domain.SideSell, "4", "120", 10),
		testExec("u1", "MSFT", domain.SideBuy, "5", "300", 0),
	})
	require.NoError(t, err)

	first, err := f.svc.RunFullRebuild(ctx, "u1", "")
	require.NoError(t, err)
	require.Len(t, first.Symbols, 2)

	firstTrades := f.store.tradesFor("u1", "")
	firstPos, err := (&memPositions{s: f.store}).ListByUser(ctx, "u1")
	require.NoError(t, err)

	second, err := f.svc.RunFullRebuild(ctx, "u1", "")
	require.NoError(t, err)
	require.Len(t, second.Symbols, 2)

	secondTrades := f.store.tradesFor("u1", "")
	secondPos, err := (&memPositions{s: f.store}).ListByUser(ctx, "u1")
	require.NoError(t, err)

	require.Len(t, secondTrades, len(firstTrades))
	for i := range firstTrades {
		assert.True(t, firstTrades[i].Quantity.Equal(secondTrades[i].Quantity))
		assert.True(t, firstTrades[i].Pnl.Equal(secondTrades[i].Pnl))
	}
	require.Len(t, secondPos, len(firstPos))
	for i := range firstPos {
		assert.Equal(t, firstPos[i].Symbol, secondPos[i].Symbol)
		assert.True(t, firstPos[i].NetQuantity.Equal(secondPos[i].NetQuantity))
		assert.True(t, firstPos[i].AvgPrice.Equal(secondPos[i].AvgPrice))
	}
}

func TestRunFullRebuildSingleSymbol(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture()
	ctx := context.Background()

	_, err := f.svc.SubmitExecutions(ctx, "u1", []domain.Execution{
		testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0),
		testExec("u1", "MSFT", domain.SideBuy, "5", "300", 0),
	})
	require.NoError(t, err)

	report, err := f.svc.RunFullRebuild(ctx, "u1", "AAPL")
	require.NoError(t, err)

	require.Len(t, report.Symbols, 1)
	assert.Equal(t, "AAPL", report.Symbols[0].Symbol)
	assert.True(t, report.Symbols[0].OpenQuantity.Equal(dec("10")))
	assert.Contains(t, f.audit.events, "full_rebuild")
}

func TestRunFullRebuildKeepsLifecycleFlags(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture()
	ctx := context.Background()

	_, err := f.svc.SubmitExecutions(ctx, "u1", []domain.Execution{
		testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0),
		testExec("u1", "AAPL", domain.SideSell, "4", "120", 10),
	})
	require.NoError(t, err)

	positions := &memPositions{s: f.store}
	pos, err := positions.Get(ctx, "u1", "AAPL")
	require.NoError(t, err)
	pos.LongTerm = true
	pos.ClosedManually = true
	pos.CloseReason = "transferred out"
	f.store.setPosition(pos)

	_, err = f.svc.RunFullRebuild(ctx, "u1", "AAPL")
	require.NoError(t, err)

	rebuilt, err := positions.Get(ctx, "u1", "AAPL")
	require.NoError(t, err)
	assert.True(t, rebuilt.NetQuantity.Equal(dec("6")))
	assert.True(t, rebuilt.LongTerm, "rebuild must not erase the long-term flag")
	assert.True(t, rebuilt.ClosedManually)
	assert.Equal(t, "transferred out", rebuilt.CloseReason)
}

func TestRunFullRebuildClearsOrphanedTrades(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture()
	ctx := context.Background()

	buy := testExec("u1", "AAPL", domain.SideBuy, "10", "100", 0)
	sell := testExec("u1", "AAPL", domain.SideSell, "10", "120", 30)
	_, err := f.svc.SubmitExecutions(ctx, "u1", []domain.Execution{buy, sell})
	require.NoError(t, err)
	require.Len(t, f.store.tradesFor("u1", "AAPL"), 1)

	// The buy row disappears out-of-band; its matched trade dangles.
	f.store.deleteExecution(buy.ID)
	report, err := f.svc.CheckIntegrity(ctx, "u1")
	require.NoError(t, err)
	require.True(t, report.RebuildRequired())

	_, err = f.svc.RunFullRebuild(ctx, "u1", "AAPL")
	require.NoError(t, err)

	assert.Empty(t, f.store.tradesFor("u1", "AAPL"), "rebuild discards trades with no backing rows")
	pos, err := (&memPositions{s: f.store}).Get(ctx, "u1", "AAPL")
	require.NoError(t, err)
	assert.True(t, pos.NetQuantity.Equal(dec("-10")), "the surviving sell reopens as short exposure")
	assert.True(t, pos.AvgPrice.Equal(dec("120")))
}

func TestCheckIntegrityPassthrough(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture()
	report, err := f.svc.CheckIntegrity(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, report.RebuildRequired())
}
