package risk

import (
	"fmt"
	"math"

	"github.com/papertrade/leverd/internal/domain"
)

// ComputePnL returns the profit-and-loss of a position at the given mark
// price. USD PnL is proportional to the notional size; the percentage is
// relative to posted collateral, so a small price move produces the
// amplified return on margin that leverage implies.
//
// Mark prices at or below zero indicate a feed malfunction and are rejected
// with domain.ErrInvalidPrice; callers skip the tick rather than fail the
// batch.
func ComputePnL(p domain.Position, markPrice float64) (domain.PnLResult, error) {
	if markPrice <= 0 || math.IsNaN(markPrice) || math.IsInf(markPrice, 0) {
		return domain.PnLResult{}, fmt.Errorf("risk: mark price %v: %w", markPrice, domain.ErrInvalidPrice)
	}

	var pnlUSD float64
	switch p.Side {
	case domain.SideLong:
		pnlUSD = p.SizeUSD * (markPrice - p.EntryPrice) / p.EntryPrice
	case domain.SideShort:
		pnlUSD = p.SizeUSD * (p.EntryPrice - markPrice) / p.EntryPrice
	default:
		return domain.PnLResult{}, fmt.Errorf("risk: side %q: %w", p.Side, domain.ErrInvalidPosition)
	}

	return domain.PnLResult{
		USD:     pnlUSD,
		Percent: pnlUSD / p.CollateralUSD * 100,
	}, nil
}
