package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/papertrade/leverd/internal/domain"
)

// Settler receives the close events produced by a tick batch. Settlement
// (persistence, trade records, event publication) happens outside the
// portfolio lock; the events are already final by the time it runs.
type Settler interface {
	Settle(ctx context.Context, events []domain.CloseEvent) error
}

// Ticker drives one actor's portfolio with periodic mark-price batches read
// from the price cache. Batches for the same actor are serialized by
// construction (one loop, one in-flight batch); cross-actor tickers run
// fully in parallel. When a LockManager is configured, the per-actor lock
// additionally serializes against other engine replicas.
type Ticker struct {
	portfolio *Portfolio
	prices    domain.PriceCache
	locks     domain.LockManager // optional
	settler   Settler
	interval  time.Duration
	logger    *slog.Logger

	// pending holds close events whose settlement failed; only the tick
	// loop touches it. Retried settles are idempotent: the store refuses a
	// second close and trade records are keyed by position.
	pending []domain.CloseEvent
}

// NewTicker creates a Ticker for the given portfolio. A zero interval
// defaults to one second, the reference update cadence.
func NewTicker(pf *Portfolio, prices domain.PriceCache, locks domain.LockManager, settler Settler, interval time.Duration, logger *slog.Logger) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Ticker{
		portfolio: pf,
		prices:    prices,
		locks:     locks,
		settler:   settler,
		interval:  interval,
		logger:    logger.With(slog.String("component", "ticker"), slog.String("actor", pf.Actor())),
	}
}

// Run processes tick batches until ctx is cancelled. An in-flight batch is
// not required to complete on cancellation; close operations themselves are
// atomic, so stopping between batches leaves no partial state.
func (t *Ticker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("ticker started", slog.Duration("interval", t.interval))
	defer t.logger.Info("ticker stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				t.logger.Warn("tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick runs one batch: resolves a single price snapshot for every symbol
// with open positions, applies it, and settles any resulting closes
// together with events left unsettled by earlier batches. A close event is
// dropped only once the settler accepts it.
// Symbols with missing or non-positive prices are skipped for this batch;
// the rest of the batch proceeds.
func (t *Ticker) Tick(ctx context.Context) error {
	symbols := t.portfolio.Symbols()
	if len(symbols) == 0 && len(t.pending) == 0 {
		return nil
	}

	if t.locks != nil {
		unlock, err := t.locks.Acquire(ctx, "tick:"+t.portfolio.Actor(), 2*t.interval)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				// Another replica is processing this actor; skip the batch.
				return nil
			}
			return err
		}
		defer unlock()
	}

	if len(symbols) > 0 {
		prices, err := t.prices.GetPrices(ctx, symbols)
		if err != nil {
			return err
		}

		snapshot := make(map[string]float64, len(prices))
		for sym, price := range prices {
			if price <= 0 {
				t.logger.Warn("skipping symbol with bad mark price",
					slog.String("symbol", sym),
					slog.Float64("price", price),
				)
				continue
			}
			snapshot[sym] = price
		}

		if len(snapshot) > 0 {
			events := t.portfolio.ApplyTick(snapshot, time.Now().UTC())
			for _, ev := range events {
				t.logger.Info("position closed",
					slog.String("position_id", ev.Position.ID),
					slog.String("symbol", ev.Position.Symbol),
					slog.String("reason", string(ev.Reason)),
					slog.Float64("price", ev.Price),
					slog.Float64("pnl_usd", ev.PnL.USD),
				)
			}
			if t.settler != nil {
				t.pending = append(t.pending, events...)
			}
		}
	}

	if len(t.pending) == 0 {
		return nil
	}
	if err := t.settler.Settle(ctx, t.pending); err != nil {
		t.logger.Warn("settle failed, events retained for retry",
			slog.Int("events", len(t.pending)),
			slog.String("error", err.Error()),
		)
		return err
	}
	t.pending = nil
	return nil
}
