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

// MatchedTradeStore implements domain.MatchedTradeStore using PostgreSQL.
// Matched trades are append-only: rows are only ever inserted by a
// reconciliation delta or wiped wholesale by a full rebuild.
type MatchedTradeStore struct {
	pool *pgxpool.Pool
}

// NewMatchedTradeStore creates a new MatchedTradeStore backed by the given connection pool.
func NewMatchedTradeStore(pool *pgxpool.Pool) *MatchedTradeStore {
	return &MatchedTradeStore{pool: pool}
}

const matchedTradeSelectCols = `id, user_id, symbol, quantity, buy_price,
	sell_price, buy_time, sell_time, hold_minutes, commission,
	pnl, pnl_percent, buy_execution_id, sell_execution_id, created_at`

func scanMatchedTradeRows(rows pgx.Rows) ([]domain.MatchedTrade, error) {
	var trades []domain.MatchedTrade
	for rows.Next() {
		var t domain.MatchedTrade
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.Symbol, &t.Quantity,
			&t.BuyPrice, &t.SellPrice, &t.BuyTime, &t.SellTime,
			&t.HoldMinutes, &t.Commission, &t.Pnl, &t.PnlPercent,
			&t.BuyExecutionID, &t.SellExecutionID, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListBySymbol returns matched trades for one symbol ordered by sell time.
func (s *MatchedTradeStore) ListBySymbol(ctx context.Context, userID, symbol string) ([]domain.MatchedTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchedTradeSelectCols+` FROM matched_trades
		 WHERE user_id = $1 AND symbol = $2
		 ORDER BY sell_time ASC, buy_time ASC`, userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matched trades by symbol: %w", err)
	}
	defer rows.Close()

	trades, err := scanMatchedTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan matched trades by symbol: %w", err)
	}
	return trades, nil
}

// ListByUser returns matched trades with pagination and optional filtering.
func (s *MatchedTradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.MatchedTrade, error) {
	query := `SELECT ` + matchedTradeSelectCols + ` FROM matched_trades WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Symbol != "" {
		query += fmt.Sprintf(" AND symbol = $%d", argIdx)
		args = append(args, opts.Symbol)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND sell_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND sell_time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY sell_time DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matched trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanMatchedTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan matched trades: %w", err)
	}
	return trades, nil
}

// ListOrphaned returns matched trades whose buy or sell execution row no
// longer exists. The buy leg is reported when both are missing.
func (s *MatchedTradeStore) ListOrphaned(ctx context.Context, userID string) ([]domain.OrphanedMatch, error) {
	const query = `
		SELECT mt.id, mt.symbol,
		       CASE WHEN b.id IS NULL THEN 'BUY' ELSE 'SELL' END AS missing_side
		FROM matched_trades mt
		LEFT JOIN executions b ON b.id = mt.buy_execution_id
		LEFT JOIN executions s ON s.id = mt.sell_execution_id
		WHERE mt.user_id = $1 AND (b.id IS NULL OR s.id IS NULL)
		ORDER BY mt.symbol, mt.sell_time`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orphaned matches: %w", err)
	}
	defer rows.Close()

	var orphans []domain.OrphanedMatch
	for rows.Next() {
		var o domain.OrphanedMatch
		var missing string
		if err := rows.Scan(&o.MatchedTradeID, &o.Symbol, &missing); err != nil {
			return nil, fmt.Errorf("postgres: scan orphaned match: %w", err)
		}
		o.MissingSide = domain.Side(missing)
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}

// SumMatchedByExecution returns the total matched quantity referencing the
// given execution across all matched trades.
func (s *MatchedTradeStore) SumMatchedByExecution(ctx context.Context, executionID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM matched_trades
		 WHERE buy_execution_id = $1 OR sell_execution_id = $1`, executionID).Scan(&sum)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("postgres: sum matched for execution %s: %w", executionID, err)
	}
	return sum, nil
}

// ListBefore returns matched trades sold strictly before the given time (for
// archiving).
func (s *MatchedTradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.MatchedTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchedTradeSelectCols+` FROM matched_trades
		 WHERE sell_time < $1 ORDER BY sell_time ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matched trades before: %w", err)
	}
	defer rows.Close()
	return scanMatchedTradeRows(rows)
}

var _ domain.MatchedTradeStore = (*MatchedTradeStore)(nil)
