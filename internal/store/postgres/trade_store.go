package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/papertrade/leverd/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, position_id, actor, symbol, side, size_usd,
	leverage, collateral_usd, entry_price, exit_price,
	pnl_usd, pnl_percent, reason, opened_at, closed_at`

func scanTrade(row pgx.Row) (domain.TradeRecord, error) {
	var t domain.TradeRecord
	var side, reason string

	err := row.Scan(
		&t.ID, &t.PositionID, &t.Actor, &t.Symbol, &side, &t.SizeUSD,
		&t.Leverage, &t.CollateralUSD, &t.EntryPrice, &t.ExitPrice,
		&t.PnLUSD, &t.PnLPercent, &reason, &t.OpenedAt, &t.ClosedAt,
	)
	if err != nil {
		return domain.TradeRecord{}, err
	}
	t.Side = domain.Side(side)
	t.Reason = domain.CloseReason(reason)
	return t, nil
}

func scanTrades(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert records a settled trade. One trade per position; a retried settle
// for the same position is silently skipped via ON CONFLICT DO NOTHING.
func (s *TradeStore) Insert(ctx context.Context, t domain.TradeRecord) error {
	const query = `
		INSERT INTO trades (
			id, position_id, actor, symbol, side, size_usd,
			leverage, collateral_usd, entry_price, exit_price,
			pnl_usd, pnl_percent, reason, opened_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15
		) ON CONFLICT (position_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.PositionID, t.Actor, t.Symbol, string(t.Side), t.SizeUSD,
		t.Leverage, t.CollateralUSD, t.EntryPrice, t.ExitPrice,
		t.PnLUSD, t.PnLPercent, string(t.Reason), t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// GetByID retrieves a single trade by its ID.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.TradeRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.TradeRecord{}, domain.ErrNotFound
		}
		return domain.TradeRecord{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// ListByActor returns an actor's trades with pagination and optional time
// filtering on closed_at.
func (s *TradeStore) ListByActor(ctx context.Context, actor string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE actor = $1`
	args := []any{actor}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY closed_at DESC"

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
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// ListBefore returns all trades closed before the given time, oldest first.
// Used by the archiver to select rows eligible for cold storage.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE closed_at < $1
		 ORDER BY closed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before: %w", err)
	}
	return trades, nil
}

// SumPnL returns an actor's total realized PnL for trades closed at or after
// the given time.
func (s *TradeStore) SumPnL(ctx context.Context, actor string, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(pnl_usd), 0) FROM trades
		 WHERE actor = $1 AND closed_at >= $2`, actor, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum pnl for %s: %w", actor, err)
	}
	return sum, nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
