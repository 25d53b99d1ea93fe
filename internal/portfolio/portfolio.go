// Package portfolio owns the open-position set for one actor and applies the
// position-lifecycle rules on every mark-price update: liquidation first,
// then take-profit, then stop-loss. It is the only stateful component of the
// risk engine.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/papertrade/leverd/internal/domain"
	"github.com/papertrade/leverd/internal/risk"
)

// Portfolio is the open-position aggregate for a single actor. All mutation
// goes through its mutex, so a tick batch and a manual close can never race
// into a double-close: whichever enters the critical section first removes
// the position, and the loser sees ErrNotFound / ErrPositionClosed.
type Portfolio struct {
	actor string

	mu       sync.Mutex
	open     map[string]*domain.Position
	bySymbol map[string]map[string]struct{}
}

// New creates an empty Portfolio for the given actor.
func New(actor string) *Portfolio {
	return &Portfolio{
		actor:    actor,
		open:     make(map[string]*domain.Position),
		bySymbol: make(map[string]map[string]struct{}),
	}
}

// Actor returns the owning actor identifier.
func (pf *Portfolio) Actor() string { return pf.actor }

// Add inserts a validated open position into the open set.
func (pf *Portfolio) Add(pos domain.Position) error {
	if pos.Status != domain.PositionStatusOpen {
		return fmt.Errorf("portfolio: add %s: %w", pos.ID, domain.ErrPositionClosed)
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()

	p := pos
	pf.open[p.ID] = &p
	ids, ok := pf.bySymbol[p.Symbol]
	if !ok {
		ids = make(map[string]struct{})
		pf.bySymbol[p.Symbol] = ids
	}
	ids[p.ID] = struct{}{}
	return nil
}

// Get returns a copy of the open position with the given ID.
func (pf *Portfolio) Get(id string) (domain.Position, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	p, ok := pf.open[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

// Open returns copies of all open positions, ordered arbitrarily.
func (pf *Portfolio) Open() []domain.Position {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	out := make([]domain.Position, 0, len(pf.open))
	for _, p := range pf.open {
		out = append(out, *p)
	}
	return out
}

// Len returns the number of open positions.
func (pf *Portfolio) Len() int {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return len(pf.open)
}

// Symbols returns the distinct symbols with at least one open position.
func (pf *Portfolio) Symbols() []string {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	out := make([]string, 0, len(pf.bySymbol))
	for sym := range pf.bySymbol {
		out = append(out, sym)
	}
	return out
}

// ApplyTick evaluates every open position on the ticked symbols against one
// consistent price snapshot. Positions whose close condition is met are
// removed from the open set and returned as close events; the removal and
// the event are produced inside one critical section, so each position
// closes at most once.
//
// A non-positive price for a symbol skips that symbol only; no position on
// another symbol is affected.
func (pf *Portfolio) ApplyTick(prices map[string]float64, at time.Time) []domain.CloseEvent {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	var events []domain.CloseEvent
	for symbol, price := range prices {
		ids, ok := pf.bySymbol[symbol]
		if !ok {
			continue
		}
		for id := range ids {
			p := pf.open[id]
			ev, closed := evaluate(p, price, at)
			if closed {
				pf.removeLocked(p)
				events = append(events, ev)
				continue
			}
		}
	}
	return events
}

// CloseManual closes a position at the trader's request, filling at the
// given mark price. It returns the close event, or ErrNotFound when the
// position is not in the open set (already closed or never existed).
func (pf *Portfolio) CloseManual(id string, markPrice float64, at time.Time) (domain.CloseEvent, error) {
	if markPrice <= 0 {
		return domain.CloseEvent{}, fmt.Errorf("portfolio: close %s at %v: %w", id, markPrice, domain.ErrInvalidPrice)
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()

	p, ok := pf.open[id]
	if !ok {
		return domain.CloseEvent{}, domain.ErrNotFound
	}

	pnl, err := risk.ComputePnL(*p, markPrice)
	if err != nil {
		return domain.CloseEvent{}, err
	}

	pf.removeLocked(p)
	return closeEvent(*p, domain.CloseReasonManual, markPrice, pnl, at), nil
}

// evaluate applies the lifecycle transition rules to one open position at
// one mark price. First match wins; liquidation takes precedence over a
// take-profit that triggers at the same price. When no rule matches, the
// position's mark price and unrealized PnL are refreshed in place.
func evaluate(p *domain.Position, markPrice float64, at time.Time) (domain.CloseEvent, bool) {
	pnlAt := func(price float64) domain.PnLResult {
		res, err := risk.ComputePnL(*p, price)
		if err != nil {
			return domain.PnLResult{}
		}
		return res
	}

	if markPrice <= 0 {
		// Feed malfunction; handled upstream, defend here anyway.
		return domain.CloseEvent{}, false
	}

	// 1. Liquidation. The trader is filled at the liquidation boundary,
	// never at the raw mark price.
	liq := p.Risk.LiquidationPrice
	liquidated := p.Risk.ImmediatelyLiquidatable ||
		(p.Side == domain.SideLong && markPrice <= liq) ||
		(p.Side == domain.SideShort && markPrice >= liq)
	if liquidated {
		return closeEvent(*p, domain.CloseReasonLiquidation, liq, pnlAt(liq), at), true
	}

	// 2. Take-profit.
	if tp := p.TakeProfit; tp != nil {
		hit := (p.Side == domain.SideLong && markPrice >= *tp) ||
			(p.Side == domain.SideShort && markPrice <= *tp)
		if hit {
			return closeEvent(*p, domain.CloseReasonTakeProfit, *tp, pnlAt(*tp), at), true
		}
	}

	// 3. Stop-loss.
	if sl := p.StopLoss; sl != nil {
		hit := (p.Side == domain.SideLong && markPrice <= *sl) ||
			(p.Side == domain.SideShort && markPrice >= *sl)
		if hit {
			return closeEvent(*p, domain.CloseReasonStopLoss, *sl, pnlAt(*sl), at), true
		}
	}

	// 4. Still open: refresh displayed state.
	p.MarkPrice = markPrice
	p.UnrealizedPnL = pnlAt(markPrice)
	return domain.CloseEvent{}, false
}

// Tier returns the live risk tier of a position at the given mark price,
// recomputed from the current distance to liquidation. Never cached.
func Tier(p domain.Position, markPrice float64) domain.RiskTier {
	if markPrice <= 0 || p.Risk.ImmediatelyLiquidatable {
		return domain.RiskTierHigh
	}
	return risk.TierForDistance(risk.DistancePct(markPrice, p.Risk.LiquidationPrice))
}

func (pf *Portfolio) removeLocked(p *domain.Position) {
	delete(pf.open, p.ID)
	if ids, ok := pf.bySymbol[p.Symbol]; ok {
		delete(ids, p.ID)
		if len(ids) == 0 {
			delete(pf.bySymbol, p.Symbol)
		}
	}
}

func closeEvent(p domain.Position, reason domain.CloseReason, price float64, pnl domain.PnLResult, at time.Time) domain.CloseEvent {
	p.Status = domain.PositionStatusClosed
	p.MarkPrice = price
	closedAt := at
	p.ClosedAt = &closedAt
	p.ExitPrice = &price
	p.CloseReason = &reason
	pnlUSD := pnl.USD
	p.RealizedPnL = &pnlUSD
	return domain.CloseEvent{
		Position: p,
		Reason:   reason,
		Price:    price,
		PnL:      pnl,
		ClosedAt: at,
	}
}
