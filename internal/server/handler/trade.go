package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/service"
)

// TradeAPI defines the methods the trade handler requires.
type TradeAPI interface {
	ListMatched(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.MatchedTrade, error)
	Summary(ctx context.Context, userID string, opts domain.ListOpts) (service.TradeSummary, error)
}

// TradeHandler serves matched-trade query endpoints.
type TradeHandler struct {
	trades TradeAPI
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler with the given service and logger.
func NewTradeHandler(trades TradeAPI, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		logger: logger,
	}
}

// listTradesResponse wraps the list trades response.
type listTradesResponse struct {
	Trades []domain.MatchedTrade `json:"trades"`
}

// ListTrades returns the user's matched trades, filtered by symbol and time
// range when given.
// GET /api/trades?user_id=...&symbol=...&since=...&until=...&limit=50&offset=0
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	trades, err := h.trades.ListMatched(r.Context(), uid, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	if trades == nil {
		trades = []domain.MatchedTrade{}
	}

	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

// TradeSummary returns the user's realized totals over the same filters as
// ListTrades.
// GET /api/trades/summary?user_id=...&symbol=...&since=...&until=...
func (h *TradeHandler) TradeSummary(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	summary, err := h.trades.Summary(r.Context(), uid, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: trade summary failed",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to summarize trades")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
