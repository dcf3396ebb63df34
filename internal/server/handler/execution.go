package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/ingest"
)

// maxImportBytes caps the size of an uploaded CSV file (32 MiB).
const maxImportBytes = 32 << 20

// ReconcileAPI defines the reconciliation operations the handlers drive.
type ReconcileAPI interface {
	SubmitExecutions(ctx context.Context, userID string, execs []domain.Execution) (domain.ReconciliationResult, error)
	RunFullRebuild(ctx context.Context, userID, symbol string) (domain.RebuildReport, error)
	CheckIntegrity(ctx context.Context, userID string) (domain.IntegrityReport, error)
}

// CSVParser parses uploaded execution files.
type CSVParser interface {
	Parse(r io.Reader) (ingest.CSVResult, error)
}

// ExecutionHandler serves execution ingestion endpoints.
type ExecutionHandler struct {
	reconciler ReconcileAPI
	csv        CSVParser
	logger     *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler with the given
// dependencies.
func NewExecutionHandler(reconciler ReconcileAPI, csv CSVParser, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		reconciler: reconciler,
		csv:        csv,
		logger:     logger,
	}
}

// executionRequest is one execution row in a submit request body.
type executionRequest struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	ExecutedAt time.Time       `json:"executed_at"`
	ExternalID string          `json:"external_id"`
}

// submitRequest is the POST /api/executions body.
type submitRequest struct {
	UserID     string             `json:"user_id"`
	Executions []executionRequest `json:"executions"`
}

func (req executionRequest) toDomain(userID string) domain.Execution {
	return domain.Execution{
		UserID:     userID,
		Symbol:     strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:       domain.Side(strings.ToUpper(strings.TrimSpace(req.Side))),
		Quantity:   req.Quantity,
		Price:      req.Price,
		Commission: req.Commission,
		ExecutedAt: req.ExecutedAt,
		ExternalID: req.ExternalID,
	}
}

// SubmitExecutions ingests a batch of executions and reconciles them.
// POST /api/executions
func (h *ExecutionHandler) SubmitExecutions(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if len(req.Executions) == 0 {
		writeError(w, http.StatusBadRequest, "executions must not be empty")
		return
	}

	execs := make([]domain.Execution, 0, len(req.Executions))
	for _, e := range req.Executions {
		execs = append(execs, e.toDomain(req.UserID))
	}

	result, err := h.reconciler.SubmitExecutions(r.Context(), req.UserID, execs)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidExecution) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: submit executions failed",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to submit executions")
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// ImportCSV ingests an execution CSV file and reconciles its rows. The file
// is read from the multipart field "file" when present, otherwise from the
// raw request body.
// POST /api/executions/import?user_id=...
func (h *ExecutionHandler) ImportCSV(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	body, cleanup, err := importBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer cleanup()

	parsed, err := h.csv.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parsing csv: "+err.Error())
		return
	}

	for i := range parsed.Executions {
		parsed.Executions[i].UserID = uid
	}

	if len(parsed.Executions) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"inserted": 0,
			"rejected": parsed.Rejected,
		})
		return
	}

	result, err := h.reconciler.SubmitExecutions(r.Context(), uid, parsed.Executions)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: csv import failed",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to import executions")
		return
	}

	// Parse-time rejects and reconcile-time rejects are reported together.
	result.Rejected = append(parsed.Rejected, result.Rejected...)
	writeJSON(w, http.StatusCreated, result)
}

// importBody returns the CSV payload of an import request, preferring the
// multipart "file" field, capped at maxImportBytes either way.
func importBody(r *http.Request) (io.Reader, func(), error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxImportBytes); err != nil {
			return nil, func() {}, errors.New("invalid multipart form: " + err.Error())
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, func() {}, errors.New("multipart field 'file' required")
		}
		return file, func() { file.Close() }, nil
	}
	return http.MaxBytesReader(nil, r.Body, maxImportBytes), func() {}, nil
}
