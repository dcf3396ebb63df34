package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// ReconcileStore implements domain.ReconcileStore using PostgreSQL. Each
// delta commits in a single transaction: the matched-trade appends, the
// execution consumption updates, and the position upsert/delete land together
// or not at all.
type ReconcileStore struct {
	pool *pgxpool.Pool
}

// NewReconcileStore creates a new ReconcileStore backed by the given connection pool.
func NewReconcileStore(pool *pgxpool.Pool) *ReconcileStore {
	return &ReconcileStore{pool: pool}
}

// Apply commits one symbol's reconciliation delta atomically.
func (s *ReconcileStore) Apply(ctx context.Context, delta domain.SymbolDelta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin reconcile tx %s/%s: %w", delta.UserID, delta.Symbol, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if delta.ResetDerived {
		if err := resetDerived(ctx, tx, delta.UserID, delta.Symbol); err != nil {
			return err
		}
	}
	if err := insertMatched(ctx, tx, delta.Matched); err != nil {
		return err
	}
	if err := updateConsumption(ctx, tx, delta.Consumption); err != nil {
		return err
	}
	if err := applyPosition(ctx, tx, delta); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit reconcile tx %s/%s: %w", delta.UserID, delta.Symbol, err)
	}
	return nil
}

// resetDerived wipes the symbol's derived state ahead of a full rebuild. The
// open_positions row is left in place: its lifecycle flags (long_term,
// closed_manually, close_reason) are user intent, not derivable from
// executions, and applyPosition replaces the derived columns or removes the
// row afterwards.
func resetDerived(ctx context.Context, tx pgx.Tx, userID, symbol string) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM matched_trades WHERE user_id = $1 AND symbol = $2`,
		userID, symbol); err != nil {
		return fmt.Errorf("postgres: reset matched trades %s/%s: %w", userID, symbol, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE executions SET
			matched_quantity   = 0,
			remaining_quantity = quantity,
			fully_matched      = FALSE
		 WHERE user_id = $1 AND symbol = $2`,
		userID, symbol); err != nil {
		return fmt.Errorf("postgres: reset consumption %s/%s: %w", userID, symbol, err)
	}
	return nil
}

func insertMatched(ctx context.Context, tx pgx.Tx, trades []domain.MatchedTrade) error {
	if len(trades) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO matched_trades (
			id, user_id, symbol, quantity, buy_price, sell_price,
			buy_time, sell_time, hold_minutes, commission,
			pnl, pnl_percent, buy_execution_id, sell_execution_id
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)`

	for _, t := range trades {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		batch.Queue(query,
			t.ID, t.UserID, t.Symbol, t.Quantity,
			t.BuyPrice, t.SellPrice, t.BuyTime, t.SellTime,
			t.HoldMinutes, t.Commission, t.Pnl, t.PnlPercent,
			t.BuyExecutionID, t.SellExecutionID,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert matched trade %d: %w", i, err)
		}
	}
	return nil
}

func updateConsumption(ctx context.Context, tx pgx.Tx, rows []domain.ExecutionConsumption) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		UPDATE executions SET
			matched_quantity   = $2,
			remaining_quantity = $3,
			fully_matched      = $4
		WHERE id = $1`

	for _, c := range rows {
		batch.Queue(query, c.ExecutionID, c.Matched, c.Remaining, c.FullyMatched)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	for i := range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: update consumption %d: %w", i, err)
		}
	}
	return nil
}

func applyPosition(ctx context.Context, tx pgx.Tx, delta domain.SymbolDelta) error {
	if delta.RemovePosition {
		if _, err := tx.Exec(ctx,
			`DELETE FROM open_positions WHERE user_id = $1 AND symbol = $2`,
			delta.UserID, delta.Symbol); err != nil {
			return fmt.Errorf("postgres: remove position %s/%s: %w", delta.UserID, delta.Symbol, err)
		}
		return nil
	}
	if delta.Position == nil {
		return nil
	}

	// The conflict update touches derived columns only; lifecycle flags on an
	// existing row survive rebuilds.
	p := delta.Position
	const query = `
		INSERT INTO open_positions (
			user_id, symbol, net_quantity, avg_price, commission,
			long_term, closed_manually, close_reason, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			net_quantity = EXCLUDED.net_quantity,
			avg_price    = EXCLUDED.avg_price,
			commission   = EXCLUDED.commission,
			updated_at   = NOW()`

	if _, err := tx.Exec(ctx, query,
		p.UserID, p.Symbol, p.NetQuantity, p.AvgPrice, p.Commission,
		p.LongTerm, p.ClosedManually, p.CloseReason,
	); err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s: %w", p.UserID, p.Symbol, err)
	}
	return nil
}

var _ domain.ReconcileStore = (*ReconcileStore)(nil)
