package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver. It only needs the
// time-ranged query methods it actually calls, not the full domain store
// interfaces; the Postgres stores satisfy them implicitly.
// ---------------------------------------------------------------------------

// ExecutionArchiveStore provides read access to executions for archival.
type ExecutionArchiveStore interface {
	// ListBefore returns all executions executed strictly before the given
	// cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error)
}

// MatchedTradeArchiveStore provides read access to matched trades for
// archival.
type MatchedTradeArchiveStore interface {
	// ListBefore returns all matched trades sold strictly before the given
	// cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.MatchedTrade, error)
}

// ArchiveImpl implements domain.Archiver by querying the stores for old
// records, serializing them to JSONL, and uploading the result to S3.
//
// Archived rows are NOT deleted from the primary store here: executions are
// the source of truth for full rebuilds, so pruning them is a separate,
// explicit decision taken after the archive has been verified.
type ArchiveImpl struct {
	writer     domain.BlobWriter
	executions ExecutionArchiveStore
	trades     MatchedTradeArchiveStore
	audit      domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	executions ExecutionArchiveStore,
	trades MatchedTradeArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:     writer,
		executions: executions,
		trades:     trades,
		audit:      audit,
	}
}

// ArchiveExecutions queries all executions before the cutoff, serializes
// them to JSONL, and uploads the file to S3 at
// archive/executions/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	execs, err := a.executions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	if len(execs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(execs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions marshal: %w", err)
	}

	path := archivePath("executions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive executions upload: %w", err)
	}

	count := int64(len(execs))

	if err := a.audit.Log(ctx, "archive.executions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive executions audit log: %w", err)
	}

	return count, nil
}

// ArchiveMatchedTrades queries all matched trades sold before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/matched_trades/YYYY-MM.jsonl. The archival event is recorded in
// the audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveMatchedTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive matched trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive matched trades marshal: %w", err)
	}

	path := archivePath("matched_trades", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive matched trades upload: %w", err)
	}

	count := int64(len(trades))

	if err := a.audit.Log(ctx, "archive.matched_trades", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive matched trades audit log: %w", err)
	}

	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/executions/2026-03.jsonl
//	archive/matched_trades/2026-03.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
