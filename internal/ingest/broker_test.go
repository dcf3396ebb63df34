package ingest

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeledger/internal/crypto"
	"github.com/alanyoungcy/tradeledger/internal/domain"
)

func testAuth() *crypto.HMACAuth {
	return &crypto.HMACAuth{
		Key:    "test-key",
		Secret: base64.StdEncoding.EncodeToString([]byte("test-secret")),
	}
}

func TestFetchExecutionsSignsAndDecodes(t *testing.T) {
	t.Parallel()

	auth := testAuth()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))
		assert.NotEmpty(t, r.Header.Get("X-API-TIMESTAMP"))

		path := r.URL.Path + "?" + r.URL.RawQuery
		assert.True(t, auth.Verify(r.Method, path, "",
			r.Header.Get("X-API-TIMESTAMP"), r.Header.Get("X-API-SIGNATURE")),
			"request must carry a valid signature over the full path")

		assert.Equal(t, "2026-03-01T00:00:00Z", r.URL.Query().Get("since"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"executions": [
				{"id": "b-1", "symbol": "AAPL", "side": "BUY", "quantity": "10",
				 "price": "100.5", "commission": "1.25", "executed_at": "2026-03-02T14:30:00Z"}
			],
			"has_more": false
		}`))
	}))
	defer srv.Close()

	client := NewBrokerClient(srv.URL, auth, nil)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	execs, err := client.FetchExecutions(context.Background(), since)
	require.NoError(t, err)

	require.Len(t, execs, 1)
	e := execs[0]
	assert.Equal(t, "AAPL", e.Symbol)
	assert.Equal(t, domain.SideBuy, e.Side)
	assert.Equal(t, "10", e.Quantity.String())
	assert.Equal(t, "100.5", e.Price.String())
	assert.Equal(t, "b-1", e.ExternalID, "broker id becomes the external id")
}

func TestFetchExecutionsPages(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") == "0" {
			_, _ = w.Write([]byte(`{
				"executions": [
					{"id": "b-1", "symbol": "AAPL", "side": "BUY", "quantity": "1",
					 "price": "100", "executed_at": "2026-03-02T14:30:00Z"}
				],
				"has_more": true
			}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"executions": [
				{"id": "b-2", "symbol": "AAPL", "side": "SELL", "quantity": "1",
				 "price": "110", "executed_at": "2026-03-02T15:30:00Z"}
			],
			"has_more": false
		}`))
	}))
	defer srv.Close()

	client := NewBrokerClient(srv.URL, testAuth(), nil)
	execs, err := client.FetchExecutions(context.Background(), time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	require.Len(t, execs, 2)
	assert.Equal(t, "b-2", execs[1].ExternalID)
}

func TestFetchExecutionsMapsAuthErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "bad signature", "code": "unauthorized"}`))
	}))
	defer srv.Close()

	client := NewBrokerClient(srv.URL, testAuth(), nil)
	_, err := client.FetchExecutions(context.Background(), time.Time{})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestFetchExecutionsMapsRateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message": "slow down", "code": "rate_limited"}`))
	}))
	defer srv.Close()

	client := NewBrokerClient(srv.URL, testAuth(), nil)
	_, err := client.FetchExecutions(context.Background(), time.Time{})
	require.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestFetchExecutionsRejectsMalformedRow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"executions": [
				{"id": "b-1", "symbol": "AAPL", "side": "BUY", "quantity": "ten",
				 "price": "100", "executed_at": "2026-03-02T14:30:00Z"}
			],
			"has_more": false
		}`))
	}))
	defer srv.Close()

	client := NewBrokerClient(srv.URL, testAuth(), nil)
	_, err := client.FetchExecutions(context.Background(), time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b-1")
}
