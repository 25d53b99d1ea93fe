package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/papertrade/leverd/internal/domain"
	"github.com/papertrade/leverd/internal/portfolio"
)

// MonitorService settles the close events produced by tick processing or a
// manual close: it marks the position closed in the store, writes the trade
// record, publishes the close event, and audit-logs it. The position has
// already left the in-memory open set by the time Settle runs, so a settle
// failure can be retried without any double-close risk.
type MonitorService struct {
	positions domain.PositionStore
	trades    domain.TradeStore
	bus       domain.SignalBus
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewMonitorService creates a MonitorService with all required dependencies.
func NewMonitorService(
	positions domain.PositionStore,
	trades domain.TradeStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *MonitorService {
	return &MonitorService{
		positions: positions,
		trades:    trades,
		bus:       bus,
		audit:     audit,
		logger:    logger,
	}
}

// Settle persists and publishes a batch of close events. Events settle
// independently; the first persistence failure aborts the batch so the
// ticker can log and retry, while bus and audit failures only warn.
func (s *MonitorService) Settle(ctx context.Context, events []domain.CloseEvent) error {
	for _, ev := range events {
		if err := s.settleOne(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *MonitorService) settleOne(ctx context.Context, ev domain.CloseEvent) error {
	pos := ev.Position

	if err := s.positions.Close(ctx, pos.ID, ev.Price, ev.PnL.USD, ev.Reason, ev.ClosedAt); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("monitor_service: close position %q: %w", pos.ID, err)
		}
		// No open row. Either a previous settle attempt already closed it,
		// or the position was never persisted; only the former gets a
		// trade record.
		stored, getErr := s.positions.GetByID(ctx, pos.ID)
		if getErr != nil {
			if errors.Is(getErr, domain.ErrNotFound) {
				s.logger.WarnContext(ctx, "monitor_service: dropping settle for unknown position",
					slog.String("position_id", pos.ID),
					slog.String("reason", string(ev.Reason)),
				)
				return nil
			}
			return fmt.Errorf("monitor_service: verify position %q: %w", pos.ID, getErr)
		}
		if stored.Status != domain.PositionStatusClosed {
			return fmt.Errorf("monitor_service: close position %q: %w", pos.ID, err)
		}
	}

	record := domain.TradeRecord{
		ID:            uuid.New().String(),
		PositionID:    pos.ID,
		Actor:         pos.Actor,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		SizeUSD:       pos.SizeUSD,
		Leverage:      pos.Leverage,
		CollateralUSD: pos.CollateralUSD,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     ev.Price,
		PnLUSD:        ev.PnL.USD,
		PnLPercent:    ev.PnL.Percent,
		Reason:        ev.Reason,
		OpenedAt:      pos.OpenedAt,
		ClosedAt:      ev.ClosedAt,
	}
	if err := s.trades.Insert(ctx, record); err != nil {
		return fmt.Errorf("monitor_service: insert trade for %q: %w", pos.ID, err)
	}

	evt, _ := json.Marshal(map[string]any{
		"event":       "position_closed",
		"position_id": pos.ID,
		"actor":       pos.Actor,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"reason":      string(ev.Reason),
		"exit_price":  ev.Price,
		"pnl_usd":     ev.PnL.USD,
		"pnl_percent": ev.PnL.Percent,
		"closed_at":   ev.ClosedAt.Format(time.RFC3339Nano),
	})
	if pubErr := s.bus.Publish(ctx, "positions", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "monitor_service: publish close event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", pubErr.Error()),
		)
	}
	// Closes also go to the durable stream for bookkeeping consumers that
	// must not miss one.
	if strErr := s.bus.StreamAppend(ctx, "stream:trades", evt); strErr != nil {
		s.logger.WarnContext(ctx, "monitor_service: stream append failed",
			slog.String("position_id", pos.ID),
			slog.String("error", strErr.Error()),
		)
	}

	if auditErr := s.audit.Log(ctx, "position_closed", map[string]any{
		"position_id": pos.ID,
		"actor":       pos.Actor,
		"symbol":      pos.Symbol,
		"reason":      string(ev.Reason),
		"exit_price":  ev.Price,
		"pnl_usd":     ev.PnL.USD,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "monitor_service: audit log failed",
			slog.String("position_id", pos.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "monitor_service: position settled",
		slog.String("position_id", pos.ID),
		slog.String("reason", string(ev.Reason)),
		slog.Float64("exit_price", ev.Price),
		slog.Float64("pnl_usd", ev.PnL.USD),
	)
	return nil
}

// Compile-time interface check.
var _ portfolio.Settler = (*MonitorService)(nil)
