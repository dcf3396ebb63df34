package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Writes to
// quantity columns go through ReconcileStore.Apply only; this store covers
// reads and the lifecycle flags.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `user_id, symbol, net_quantity, avg_price,
	commission, long_term, closed_manually, close_reason, updated_at`

func scanPositionRow(row pgx.Row) (domain.OpenPosition, error) {
	var p domain.OpenPosition
	err := row.Scan(
		&p.UserID, &p.Symbol, &p.NetQuantity, &p.AvgPrice,
		&p.Commission, &p.LongTerm, &p.ClosedManually, &p.CloseReason,
		&p.UpdatedAt,
	)
	if err != nil {
		return domain.OpenPosition{}, err
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.OpenPosition, error) {
	var positions []domain.OpenPosition
	for rows.Next() {
		var p domain.OpenPosition
		if err := rows.Scan(
			&p.UserID, &p.Symbol, &p.NetQuantity, &p.AvgPrice,
			&p.Commission, &p.LongTerm, &p.ClosedManually, &p.CloseReason,
			&p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Get retrieves the open position for one (user, symbol).
func (s *PositionStore) Get(ctx context.Context, userID, symbol string) (domain.OpenPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM open_positions
		 WHERE user_id = $1 AND symbol = $2`, userID, symbol)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.OpenPosition{}, domain.ErrNotFound
		}
		return domain.OpenPosition{}, fmt.Errorf("postgres: get position %s/%s: %w", userID, symbol, err)
	}
	return p, nil
}

// ListByUser returns every open position for the user ordered by symbol.
func (s *PositionStore) ListByUser(ctx context.Context, userID string) ([]domain.OpenPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM open_positions
		 WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// SetFlags updates the lifecycle flags without touching quantities.
func (s *PositionStore) SetFlags(ctx context.Context, userID, symbol string, longTerm, closedManually bool, reason string) error {
	const query = `
		UPDATE open_positions SET
			long_term       = $3,
			closed_manually = $4,
			close_reason    = $5,
			updated_at      = NOW()
		WHERE user_id = $1 AND symbol = $2`

	tag, err := s.pool.Exec(ctx, query, userID, symbol, longTerm, closedManually, reason)
	if err != nil {
		return fmt.Errorf("postgres: set position flags %s/%s: %w", userID, symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
