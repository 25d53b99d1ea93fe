package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/papertrade/leverd/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, actor, symbol, side, size_usd, leverage,
	entry_price, collateral_usd, take_profit, stop_loss,
	liquidation_price, initial_margin, maintenance_margin,
	effective_leverage, risk_tier, immediately_liquidatable,
	status, opened_at, closed_at, exit_price, close_reason, realized_pnl`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, tier, status string
	var closeReason *string

	err := row.Scan(
		&p.ID, &p.Actor, &p.Symbol, &side, &p.SizeUSD, &p.Leverage,
		&p.EntryPrice, &p.CollateralUSD, &p.TakeProfit, &p.StopLoss,
		&p.Risk.LiquidationPrice, &p.Risk.InitialMargin, &p.Risk.MaintenanceMargin,
		&p.Risk.EffectiveLeverage, &tier, &p.Risk.ImmediatelyLiquidatable,
		&status, &p.OpenedAt, &p.ClosedAt, &p.ExitPrice, &closeReason, &p.RealizedPnL,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Risk.Tier = domain.RiskTier(tier)
	p.Status = domain.PositionStatus(status)
	if closeReason != nil {
		r := domain.CloseReason(*closeReason)
		p.CloseReason = &r
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, actor, symbol, side, size_usd, leverage,
			entry_price, collateral_usd, take_profit, stop_loss,
			liquidation_price, initial_margin, maintenance_margin,
			effective_leverage, risk_tier, immediately_liquidatable,
			status, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16,
			$17, $18, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Actor, p.Symbol, string(p.Side), p.SizeUSD, p.Leverage,
		p.EntryPrice, p.CollateralUSD, p.TakeProfit, p.StopLoss,
		p.Risk.LiquidationPrice, p.Risk.InitialMargin, p.Risk.MaintenanceMargin,
		p.Risk.EffectiveLeverage, string(p.Risk.Tier), p.Risk.ImmediatelyLiquidatable,
		string(p.Status), p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			take_profit  = $2,
			stop_loss    = $3,
			status       = $4,
			closed_at    = $5,
			exit_price   = $6,
			close_reason = $7,
			realized_pnl = $8,
			updated_at   = NOW()
		WHERE id = $1`

	var closeReason *string
	if p.CloseReason != nil {
		r := string(*p.CloseReason)
		closeReason = &r
	}

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.TakeProfit, p.StopLoss,
		string(p.Status), p.ClosedAt, p.ExitPrice, closeReason, p.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close marks an open position as closed with its settled outcome. A row
// that is already closed is not touched, so a retried settle cannot
// overwrite the first close.
func (s *PositionStore) Close(ctx context.Context, id string, exitPrice, realizedPnL float64, reason domain.CloseReason, closedAt time.Time) error {
	const query = `
		UPDATE positions SET
			status       = 'closed',
			exit_price   = $2,
			realized_pnl = $3,
			close_reason = $4,
			closed_at    = $5,
			updated_at   = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, exitPrice, realizedPnL, string(reason), closedAt)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpen returns all open positions for the given actor.
func (s *PositionStore) GetOpen(ctx context.Context, actor string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE actor = $1 AND status = 'open'
		 ORDER BY opened_at DESC`, actor)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListOpenActors returns the distinct actors that currently hold at least
// one open position. The engine uses it at startup to restore portfolios.
func (s *PositionStore) ListOpenActors(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT actor FROM positions WHERE status = 'open'`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open actors: %w", err)
	}
	defer rows.Close()

	var actors []string
	for rows.Next() {
		var actor string
		if err := rows.Scan(&actor); err != nil {
			return nil, fmt.Errorf("postgres: scan open actor: %w", err)
		}
		actors = append(actors, actor)
	}
	return actors, rows.Err()
}

// ListHistory returns positions for the given actor with pagination and
// optional time filtering on opened_at.
func (s *PositionStore) ListHistory(ctx context.Context, actor string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE actor = $1`
	args := []any{actor}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

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
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
