package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionSelectCols = `id, user_id, symbol, side, quantity, price,
	commission, executed_at, external_id, matched_quantity,
	remaining_quantity, fully_matched, created_at`

func scanExecutionRow(row pgx.Row) (domain.Execution, error) {
	var e domain.Execution
	var side string

	err := row.Scan(
		&e.ID, &e.UserID, &e.Symbol, &side,
		&e.Quantity, &e.Price, &e.Commission,
		&e.ExecutedAt, &e.ExternalID,
		&e.MatchedQuantity, &e.RemainingQuantity, &e.FullyMatched,
		&e.CreatedAt,
	)
	if err != nil {
		return domain.Execution{}, err
	}
	e.Side = domain.Side(side)
	return e, nil
}

func scanExecutionRows(rows pgx.Rows) ([]domain.Execution, error) {
	var execs []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var side string

		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Symbol, &side,
			&e.Quantity, &e.Price, &e.Commission,
			&e.ExecutedAt, &e.ExternalID,
			&e.MatchedQuantity, &e.RemainingQuantity, &e.FullyMatched,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Side = domain.Side(side)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// InsertBatch inserts executions using pgx Batch. Rows whose
// (user_id, external_id) already exists are silently skipped via
// ON CONFLICT DO NOTHING; the returned slice holds only the rows that were
// actually inserted, so skipped duplicates never re-enter matching.
func (s *ExecutionStore) InsertBatch(ctx context.Context, execs []domain.Execution) ([]domain.Execution, error) {
	if len(execs) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO executions (
			id, user_id, symbol, side, quantity, price,
			commission, executed_at, external_id,
			matched_quantity, remaining_quantity, fully_matched
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12
		) ON CONFLICT (user_id, external_id) WHERE external_id <> '' DO NOTHING`

	for _, e := range execs {
		batch.Queue(query,
			e.ID, e.UserID, e.Symbol, string(e.Side),
			e.Quantity, e.Price, e.Commission,
			e.ExecutedAt, e.ExternalID,
			e.MatchedQuantity, e.RemainingQuantity, e.FullyMatched,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted []domain.Execution
	for i, e := range execs {
		tag, err := br.Exec()
		if err != nil {
			return nil, fmt.Errorf("postgres: insert execution batch item %d: %w", i, err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, e)
		}
	}
	return inserted, nil
}

// GetByID retrieves a single execution by its ID.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionSelectCols+` FROM executions WHERE id = $1`, id)

	e, err := scanExecutionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Execution{}, domain.ErrNotFound
		}
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return e, nil
}

// ListBySymbol returns every execution for the user and symbol ordered by
// executed_at ascending, ties broken by insertion order.
func (s *ExecutionStore) ListBySymbol(ctx context.Context, userID, symbol string) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionSelectCols+` FROM executions
		 WHERE user_id = $1 AND symbol = $2
		 ORDER BY executed_at ASC, created_at ASC, id ASC`, userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions by symbol: %w", err)
	}
	defer rows.Close()

	execs, err := scanExecutionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan executions by symbol: %w", err)
	}
	return execs, nil
}

// ListSymbols returns the distinct symbols the user has executions for.
func (s *ExecutionStore) ListSymbols(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT symbol FROM executions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("postgres: scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// NetQuantity computes sum(buy quantities) - sum(sell quantities) straight
// from the raw rows.
func (s *ExecutionStore) NetQuantity(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	var net decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN side = 'BUY' THEN quantity ELSE -quantity END), 0)
		 FROM executions WHERE user_id = $1 AND symbol = $2`, userID, symbol).Scan(&net)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("postgres: net quantity %s/%s: %w", userID, symbol, err)
	}
	return net, nil
}

// LastExecutedAt returns the most recent execution timestamp for the user, or
// the zero time when none exist.
func (s *ExecutionStore) LastExecutedAt(ctx context.Context, userID string) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(executed_at) FROM executions WHERE user_id = $1`, userID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: last executed at: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// ListBefore returns all executions executed strictly before the given time
// (for archiving).
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionSelectCols+` FROM executions
		 WHERE executed_at < $1 ORDER BY executed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before: %w", err)
	}
	defer rows.Close()
	return scanExecutionRows(rows)
}

// DeleteByUser removes every execution belonging to the user.
func (s *ExecutionStore) DeleteByUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("postgres: delete executions for %s: %w", userID, err)
	}
	return nil
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
