// Package service coordinates the risk engine with the stores, caches, and
// the signal bus. Services own no calculation logic; they gate requests
// through the validator, hand state changes to the portfolio, and make the
// results durable and observable.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/papertrade/leverd/internal/domain"
	"github.com/papertrade/leverd/internal/portfolio"
	"github.com/papertrade/leverd/internal/risk"
)

// PositionService manages position opening, manual closing, and listing.
// Automatic closes (liquidation/TP/SL) are driven by the portfolio ticker
// and settled through the MonitorService.
type PositionService struct {
	validator *risk.Validator
	positions domain.PositionStore
	prices    domain.PriceCache
	bus       domain.SignalBus
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	validator *risk.Validator,
	positions domain.PositionStore,
	prices domain.PriceCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		validator: validator,
		positions: positions,
		prices:    prices,
		bus:       bus,
		audit:     audit,
		logger:    logger,
	}
}

// Open validates an order-entry request, constructs the position with its
// risk snapshot, registers it with the actor's portfolio, and persists it.
// When the request carries no entry price, the latest cached mark price for
// the symbol is used.
func (s *PositionService) Open(ctx context.Context, pf *portfolio.Portfolio, req domain.OpenRequest) (domain.Position, error) {
	if req.EntryPrice <= 0 {
		price, _, err := s.prices.GetPrice(ctx, req.Symbol)
		if err != nil {
			return domain.Position{}, fmt.Errorf("position_service: resolve entry price for %q: %w", req.Symbol, err)
		}
		req.EntryPrice = price
	}

	pos, err := s.validator.NewPosition(req)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: validate open: %w", err)
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create position: %w", err)
	}
	if err := pf.Add(pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: register position: %w", err)
	}

	evt, _ := json.Marshal(map[string]any{
		"event":             "position_opened",
		"position_id":       pos.ID,
		"actor":             pos.Actor,
		"symbol":            pos.Symbol,
		"side":              string(pos.Side),
		"size_usd":          pos.SizeUSD,
		"leverage":          pos.Leverage,
		"entry_price":       pos.EntryPrice,
		"collateral_usd":    pos.CollateralUSD,
		"liquidation_price": pos.Risk.LiquidationPrice,
		"risk_tier":         string(pos.Risk.Tier),
	})
	if pubErr := s.bus.Publish(ctx, "positions", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "position_service: publish open event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", pubErr.Error()),
		)
	}

	if auditErr := s.audit.Log(ctx, "position_opened", map[string]any{
		"position_id":       pos.ID,
		"actor":             pos.Actor,
		"symbol":            pos.Symbol,
		"side":              string(pos.Side),
		"size_usd":          pos.SizeUSD,
		"leverage":          pos.Leverage,
		"entry_price":       pos.EntryPrice,
		"liquidation_price": pos.Risk.LiquidationPrice,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "position_service: audit log failed",
			slog.String("position_id", pos.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "position_service: position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("size_usd", pos.SizeUSD),
		slog.Float64("leverage", pos.Leverage),
		slog.Float64("liquidation_price", pos.Risk.LiquidationPrice),
	)

	return pos, nil
}

// Close closes a position at the trader's request, filling at the latest
// cached mark price for the symbol, and settles the result.
func (s *PositionService) Close(ctx context.Context, pf *portfolio.Portfolio, settler portfolio.Settler, positionID string) (domain.CloseEvent, error) {
	pos, err := pf.Get(positionID)
	if err != nil {
		return domain.CloseEvent{}, fmt.Errorf("position_service: get %q: %w", positionID, err)
	}

	price, _, err := s.prices.GetPrice(ctx, pos.Symbol)
	if err != nil {
		return domain.CloseEvent{}, fmt.Errorf("position_service: mark price for %q: %w", pos.Symbol, err)
	}

	ev, err := pf.CloseManual(positionID, price, time.Now().UTC())
	if err != nil {
		return domain.CloseEvent{}, fmt.Errorf("position_service: close %q: %w", positionID, err)
	}

	if settler != nil {
		if err := settler.Settle(ctx, []domain.CloseEvent{ev}); err != nil {
			return ev, fmt.Errorf("position_service: settle %q: %w", positionID, err)
		}
	}
	return ev, nil
}

// ListOpen returns all open positions for the given actor from the store.
func (s *PositionService) ListOpen(ctx context.Context, actor string) ([]domain.Position, error) {
	positions, err := s.positions.GetOpen(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("position_service: get open for %q: %w", actor, err)
	}
	return positions, nil
}

// ListHistory returns an actor's positions (open and closed) with pagination.
func (s *PositionService) ListHistory(ctx context.Context, actor string, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.positions.ListHistory(ctx, actor, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list history for %q: %w", actor, err)
	}
	return positions, nil
}

// Restore loads the actor's open positions from the store into a fresh
// portfolio, used at engine startup to resume monitoring after a restart.
func (s *PositionService) Restore(ctx context.Context, actor string) (*portfolio.Portfolio, error) {
	open, err := s.positions.GetOpen(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("position_service: restore %q: %w", actor, err)
	}

	pf := portfolio.New(actor)
	for _, pos := range open {
		if err := pf.Add(pos); err != nil {
			return nil, fmt.Errorf("position_service: restore %q: add %s: %w", actor, pos.ID, err)
		}
	}

	s.logger.InfoContext(ctx, "position_service: portfolio restored",
		slog.String("actor", actor),
		slog.Int("open_positions", pf.Len()),
	)
	return pf, nil
}
