package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// ReconcileHandler serves integrity and rebuild endpoints.
type ReconcileHandler struct {
	reconciler ReconcileAPI
	logger     *slog.Logger
}

// NewReconcileHandler creates a ReconcileHandler with the given service and
// logger.
func NewReconcileHandler(reconciler ReconcileAPI, logger *slog.Logger) *ReconcileHandler {
	return &ReconcileHandler{
		reconciler: reconciler,
		logger:     logger,
	}
}

// CheckIntegrity runs the read-only integrity scan and returns its report.
// GET /api/integrity?user_id=...
func (h *ReconcileHandler) CheckIntegrity(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	report, err := h.reconciler.CheckIntegrity(r.Context(), uid)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: integrity check failed",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "integrity check failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"report":           report,
		"rebuild_required": report.RebuildRequired(),
		"affected_symbols": report.AffectedSymbols(),
	})
}

// rebuildRequest is the POST /api/rebuild body. An empty symbol rebuilds
// every symbol the user holds executions for.
type rebuildRequest struct {
	UserID string `json:"user_id"`
	Symbol string `json:"symbol"`
}

// Rebuild discards and re-derives matched trades and open positions from the
// full execution history.
// POST /api/rebuild
func (h *ReconcileHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	report, err := h.reconciler.RunFullRebuild(r.Context(), req.UserID, req.Symbol)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			writeError(w, http.StatusConflict, "a reconciliation is already running for this symbol")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: rebuild failed",
			slog.String("user_id", req.UserID),
			slog.String("symbol", req.Symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "rebuild failed")
		return
	}

	writeJSON(w, http.StatusOK, report)
}
