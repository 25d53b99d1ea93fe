package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/papertrade/leverd/internal/domain"
)

// LedgerService answers queries over settled trades. Leaderboard and stats
// consumers read realized PnL from here; they never see the open set.
type LedgerService struct {
	trades domain.TradeStore
	logger *slog.Logger
}

// NewLedgerService creates a LedgerService backed by the given trade store.
func NewLedgerService(trades domain.TradeStore, logger *slog.Logger) *LedgerService {
	return &LedgerService{trades: trades, logger: logger}
}

// ListByActor returns an actor's settled trades with pagination.
func (s *LedgerService) ListByActor(ctx context.Context, actor string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	trades, err := s.trades.ListByActor(ctx, actor, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list for %q: %w", actor, err)
	}
	return trades, nil
}

// SumPnL returns an actor's total realized PnL since the given time.
func (s *LedgerService) SumPnL(ctx context.Context, actor string, since time.Time) (float64, error) {
	sum, err := s.trades.SumPnL(ctx, actor, since)
	if err != nil {
		return 0, fmt.Errorf("ledger_service: sum pnl for %q: %w", actor, err)
	}
	return sum, nil
}

// Summary aggregates an actor's trading performance over a window.
type Summary struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	Liquidations int     `json:"liquidations"`
	PnLUSD       float64 `json:"pnl_usd"`
	BestUSD      float64 `json:"best_usd"`
	WorstUSD     float64 `json:"worst_usd"`
}

// Summarize walks an actor's settled trades since the given time and
// aggregates win/loss counts and PnL extremes.
func (s *LedgerService) Summarize(ctx context.Context, actor string, since time.Time) (Summary, error) {
	trades, err := s.trades.ListByActor(ctx, actor, domain.ListOpts{Since: &since})
	if err != nil {
		return Summary{}, fmt.Errorf("ledger_service: summarize %q: %w", actor, err)
	}

	var sum Summary
	for _, t := range trades {
		sum.Trades++
		sum.PnLUSD += t.PnLUSD
		switch {
		case t.PnLUSD > 0:
			sum.Wins++
		case t.PnLUSD < 0:
			sum.Losses++
		}
		if t.Reason == domain.CloseReasonLiquidation {
			sum.Liquidations++
		}
		if t.PnLUSD > sum.BestUSD {
			sum.BestUSD = t.PnLUSD
		}
		if t.PnLUSD < sum.WorstUSD {
			sum.WorstUSD = t.PnLUSD
		}
	}
	return sum, nil
}
