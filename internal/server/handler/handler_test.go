package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/ingest"
	"github.com/alanyoungcy/tradeledger/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReconcileAPI struct {
	result     domain.ReconciliationResult
	submitErr  error
	report     domain.IntegrityReport
	rebuild    domain.RebuildReport
	rebuildErr error
	submitted  []domain.Execution
	userID     string
	symbol     string
}

func (f *fakeReconcileAPI) SubmitExecutions(_ context.Context, userID string, execs []domain.Execution) (domain.ReconciliationResult, error) {
	f.userID = userID
	f.submitted = execs
	return f.result, f.submitErr
}

func (f *fakeReconcileAPI) RunFullRebuild(_ context.Context, userID, symbol string) (domain.RebuildReport, error) {
	f.userID = userID
	f.symbol = symbol
	return f.rebuild, f.rebuildErr
}

func (f *fakeReconcileAPI) CheckIntegrity(_ context.Context, userID string) (domain.IntegrityReport, error) {
	f.userID = userID
	return f.report, nil
}

type fakePositionAPI struct {
	positions []domain.OpenPosition
	getErr    error
	closeErr  error
	closed    string
	reason    string
}

func (f *fakePositionAPI) ListOpen(context.Context, string) ([]domain.OpenPosition, error) {
	return f.positions, nil
}

func (f *fakePositionAPI) Get(_ context.Context, _, symbol string) (domain.OpenPosition, error) {
	if f.getErr != nil {
		return domain.OpenPosition{}, f.getErr
	}
	return domain.OpenPosition{Symbol: symbol}, nil
}

func (f *fakePositionAPI) MarkLongTerm(context.Context, string, string, bool) error {
	return f.closeErr
}

func (f *fakePositionAPI) ManualClose(_ context.Context, _, symbol, reason string) error {
	f.closed = symbol
	f.reason = reason
	return f.closeErr
}

type fakeTradeAPI struct {
	trades  []domain.MatchedTrade
	summary service.TradeSummary
	err     error
	opts    domain.ListOpts
}

func (f *fakeTradeAPI) ListMatched(_ context.Context, _ string, opts domain.ListOpts) ([]domain.MatchedTrade, error) {
	f.opts = opts
	return f.trades, f.err
}

func (f *fakeTradeAPI) Summary(_ context.Context, _ string, opts domain.ListOpts) (service.TradeSummary, error) {
	f.opts = opts
	return f.summary, f.err
}

func TestSubmitExecutionsHandlerDecodesBody(t *testing.T) {
	t.Parallel()

	api := &fakeReconcileAPI{result: domain.ReconciliationResult{Inserted: 1}}
	h := NewExecutionHandler(api, ingest.NewCSVImporter(ingest.DefaultColumnMap(), ""), testLogger())

	body := `{
		"user_id": "u1",
		"executions": [
			{"symbol": "aapl", "side": "buy", "quantity": "10", "price": "101.5",
			 "executed_at": "2026-03-02T14:30:00Z", "external_id": "x-1"}
		]
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/executions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.SubmitExecutions(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "u1", api.userID)
	require.Len(t, api.submitted, 1)
	assert.Equal(t, "AAPL", api.submitted[0].Symbol)
	assert.Equal(t, domain.SideBuy, api.submitted[0].Side)
	assert.Equal(t, "x-1", api.submitted[0].ExternalID)
	assert.True(t, api.submitted[0].Quantity.Equal(decimalFromString(t, "10")))
}

func TestSubmitExecutionsHandlerRequiresUserID(t *testing.T) {
	t.Parallel()

	h := NewExecutionHandler(&fakeReconcileAPI{}, nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/executions",
		strings.NewReader(`{"executions":[{"symbol":"AAPL"}]}`))
	rec := httptest.NewRecorder()

	h.SubmitExecutions(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportCSVHandlerParsesRawBody(t *testing.T) {
	t.Parallel()

	api := &fakeReconcileAPI{result: domain.ReconciliationResult{Inserted: 2}}
	h := NewExecutionHandler(api, ingest.NewCSVImporter(ingest.DefaultColumnMap(), ""), testLogger())

	csv := "symbol,side,quantity,price,executed_at\n" +
		"AAPL,BUY,10,100,2026-03-02T14:30:00Z\n" +
		"AAPL,SELL,4,110,2026-03-02T15:30:00Z\n"
	req := httptest.NewRequest(http.MethodPost, "/api/executions/import?user_id=u1", strings.NewReader(csv))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()

	h.ImportCSV(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, api.submitted, 2)
	assert.Equal(t, "u1", api.submitted[0].UserID)
}

func TestImportCSVHandlerRequiresUserID(t *testing.T) {
	t.Parallel()

	h := NewExecutionHandler(&fakeReconcileAPI{}, nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/executions/import", strings.NewReader("symbol\n"))
	rec := httptest.NewRecorder()

	h.ImportCSV(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPositionsHandlerReturnsEmptySlice(t *testing.T) {
	t.Parallel()

	h := NewPositionHandler(&fakePositionAPI{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/positions?user_id=u1", nil)
	rec := httptest.NewRecorder()

	h.ListPositions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())
}

func TestClosePositionHandlerNotFound(t *testing.T) {
	t.Parallel()

	h := NewPositionHandler(&fakePositionAPI{closeErr: domain.ErrNotFound}, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/positions/AAPL/close",
		strings.NewReader(`{"user_id":"u1","reason":"transferred out"}`))
	req.SetPathValue("symbol", "AAPL")
	rec := httptest.NewRecorder()

	h.ClosePosition(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClosePositionHandlerRecordsReason(t *testing.T) {
	t.Parallel()

	api := &fakePositionAPI{}
	h := NewPositionHandler(api, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/positions/AAPL/close",
		strings.NewReader(`{"user_id":"u1","reason":"transferred out"}`))
	req.SetPathValue("symbol", "AAPL")
	rec := httptest.NewRecorder()

	h.ClosePosition(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AAPL", api.closed)
	assert.Equal(t, "transferred out", api.reason)
}

func TestListTradesHandlerForwardsFilters(t *testing.T) {
	t.Parallel()

	api := &fakeTradeAPI{}
	h := NewTradeHandler(api, testLogger())

	req := httptest.NewRequest(http.MethodGet,
		"/api/trades?user_id=u1&symbol=AAPL&since=2026-01-01T00:00:00Z&limit=10", nil)
	rec := httptest.NewRecorder()

	h.ListTrades(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AAPL", api.opts.Symbol)
	assert.Equal(t, 10, api.opts.Limit)
	require.NotNil(t, api.opts.Since)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *api.opts.Since)
}

func TestRebuildHandlerMapsLockConflict(t *testing.T) {
	t.Parallel()

	api := &fakeReconcileAPI{rebuildErr: domain.ErrLockHeld}
	h := NewReconcileHandler(api, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/rebuild",
		strings.NewReader(`{"user_id":"u1","symbol":"AAPL"}`))
	rec := httptest.NewRecorder()

	h.Rebuild(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AAPL", api.symbol)
}

func TestRebuildHandlerInternalError(t *testing.T) {
	t.Parallel()

	api := &fakeReconcileAPI{rebuildErr: errors.New("db down")}
	h := NewReconcileHandler(api, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/rebuild",
		strings.NewReader(`{"user_id":"u1"}`))
	rec := httptest.NewRecorder()

	h.Rebuild(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCheckIntegrityHandlerReportsAffectedSymbols(t *testing.T) {
	t.Parallel()

	api := &fakeReconcileAPI{report: domain.IntegrityReport{
		UserID:     "u1",
		Mismatches: []domain.QuantityMismatch{{Symbol: "MSFT"}},
	}}
	h := NewReconcileHandler(api, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/integrity?user_id=u1", nil)
	rec := httptest.NewRecorder()

	h.CheckIntegrity(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RebuildRequired bool     `json:"rebuild_required"`
		AffectedSymbols []string `json:"affected_symbols"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.RebuildRequired)
	assert.Equal(t, []string{"MSFT"}, resp.AffectedSymbols)
}

func TestHealthHandlerDegradedOnBackendFailure(t *testing.T) {
	t.Parallel()

	h := NewHealthHandler(pingFunc(func(context.Context) error { return errors.New("refused") }), nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()

	h.HealthCheck(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte("degraded")))
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
