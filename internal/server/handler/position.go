package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// PositionAPI defines the methods the position handler requires.
type PositionAPI interface {
	ListOpen(ctx context.Context, userID string) ([]domain.OpenPosition, error)
	Get(ctx context.Context, userID, symbol string) (domain.OpenPosition, error)
	MarkLongTerm(ctx context.Context, userID, symbol string, longTerm bool) error
	ManualClose(ctx context.Context, userID, symbol, reason string) error
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionAPI
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionAPI, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.OpenPosition `json:"positions"`
}

// ListPositions returns all open positions for a user.
// GET /api/positions?user_id=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	positions, err := h.positions.ListOpen(r.Context(), uid)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.OpenPosition{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns the open position for one symbol.
// GET /api/positions/{symbol}?user_id=...
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	symbol := pathParam(r, "symbol")
	if uid == "" || symbol == "" {
		writeError(w, http.StatusBadRequest, "user_id and symbol are required")
		return
	}

	pos, err := h.positions.Get(r.Context(), uid, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// closePositionRequest is the POST close body.
type closePositionRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// ClosePosition records a manual close for a position. Quantities are not
// touched; only the lifecycle flags change.
// POST /api/positions/{symbol}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}

	var req closePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.positions.ManualClose(r.Context(), req.UserID, symbol, req.Reason); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: close position failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to close position")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "closed",
		"symbol": symbol,
	})
}

// markLongTermRequest is the POST longterm body.
type markLongTermRequest struct {
	UserID   string `json:"user_id"`
	LongTerm bool   `json:"long_term"`
}

// MarkLongTerm flags or unflags a position as a long-term investment.
// POST /api/positions/{symbol}/longterm
func (h *PositionHandler) MarkLongTerm(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}

	var req markLongTermRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.positions.MarkLongTerm(r.Context(), req.UserID, symbol, req.LongTerm); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: mark long term failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to update position")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "updated",
		"symbol":    symbol,
		"long_term": req.LongTerm,
	})
}
