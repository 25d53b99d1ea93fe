package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/papertrade/leverd/internal/domain"
)

// Validator gates position creation. It is the only constructor path for
// domain.Position, so a malformed position can never reach the calculators
// or the portfolio.
type Validator struct {
	calc        *Calculator
	instruments domain.InstrumentSet
}

// NewValidator creates a Validator using the given calculator and the
// per-instrument leverage ceilings.
func NewValidator(calc *Calculator, instruments domain.InstrumentSet) *Validator {
	return &Validator{calc: calc, instruments: instruments}
}

// CanOpen reports whether a position with the given notional size, leverage,
// and collateral is admissible on the instrument. It is false when the
// leverage exceeds the instrument ceiling or when the collateral does not
// cover the required initial margin.
func (v *Validator) CanOpen(symbol string, sizeUSD, leverage, collateralUSD float64) bool {
	if sizeUSD <= 0 || collateralUSD <= 0 || leverage < 1 {
		return false
	}
	inst := v.instruments.Get(symbol)
	if !inst.Enabled || leverage > inst.MaxLeverage {
		return false
	}
	return collateralUSD >= sizeUSD*v.calc.InitialMarginRate()
}

// MaxPositionSize returns the largest notional a trader can open with the
// given collateral at the given leverage.
func MaxPositionSize(collateralUSD, leverage float64) float64 {
	return collateralUSD * leverage
}

// RequiredCollateral returns the margin needed to open the given notional at
// the given leverage.
func RequiredCollateral(sizeUSD, leverage float64) float64 {
	return sizeUSD / leverage
}

// NewPosition validates an open request and constructs a Position with its
// risk snapshot computed. Order-entry forms may supply either the notional
// size or the collateral; the missing one is derived from leverage before
// validation.
func (v *Validator) NewPosition(req domain.OpenRequest) (domain.Position, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return domain.Position{}, fmt.Errorf("risk: empty symbol: %w", domain.ErrInvalidPosition)
	}
	if !req.Side.Valid() {
		return domain.Position{}, fmt.Errorf("risk: side %q: %w", req.Side, domain.ErrInvalidPosition)
	}
	if req.Leverage < 1 {
		return domain.Position{}, fmt.Errorf("risk: leverage %v must be at least 1: %w",
			req.Leverage, domain.ErrInvalidPosition)
	}

	sizeUSD, collateralUSD := req.SizeUSD, req.CollateralUSD
	switch {
	case sizeUSD > 0 && collateralUSD <= 0:
		collateralUSD = RequiredCollateral(sizeUSD, req.Leverage)
	case collateralUSD > 0 && sizeUSD <= 0:
		sizeUSD = MaxPositionSize(collateralUSD, req.Leverage)
	}

	if !v.CanOpen(symbol, sizeUSD, req.Leverage, collateralUSD) {
		return domain.Position{}, fmt.Errorf(
			"risk: open rejected for %s (size=%.2f leverage=%.1f collateral=%.2f): %w",
			symbol, sizeUSD, req.Leverage, collateralUSD, domain.ErrInvalidPosition)
	}

	if err := validateTriggers(req); err != nil {
		return domain.Position{}, err
	}

	pos := domain.Position{
		ID:            uuid.New().String(),
		Actor:         req.Actor,
		Symbol:        symbol,
		Side:          req.Side,
		SizeUSD:       sizeUSD,
		Leverage:      req.Leverage,
		EntryPrice:    req.EntryPrice,
		CollateralUSD: collateralUSD,
		TakeProfit:    req.TakeProfit,
		StopLoss:      req.StopLoss,
		MarkPrice:     req.EntryPrice,
		Status:        domain.PositionStatusOpen,
		OpenedAt:      time.Now().UTC(),
	}

	snap, err := v.calc.ComputeRisk(pos, v.instruments.Get(symbol))
	if err != nil {
		return domain.Position{}, err
	}
	pos.Risk = snap
	return pos, nil
}

// validateTriggers rejects TP/SL prices on the wrong side of the entry,
// which would otherwise fire on the first tick.
func validateTriggers(req domain.OpenRequest) error {
	if req.EntryPrice <= 0 {
		return fmt.Errorf("risk: entry price %v must be positive: %w", req.EntryPrice, domain.ErrInvalidPosition)
	}
	tp, sl := req.TakeProfit, req.StopLoss
	switch req.Side {
	case domain.SideLong:
		if tp != nil && *tp <= req.EntryPrice {
			return fmt.Errorf("risk: long take-profit %v must be above entry %v: %w",
				*tp, req.EntryPrice, domain.ErrInvalidPosition)
		}
		if sl != nil && *sl >= req.EntryPrice {
			return fmt.Errorf("risk: long stop-loss %v must be below entry %v: %w",
				*sl, req.EntryPrice, domain.ErrInvalidPosition)
		}
	case domain.SideShort:
		if tp != nil && *tp >= req.EntryPrice {
			return fmt.Errorf("risk: short take-profit %v must be below entry %v: %w",
				*tp, req.EntryPrice, domain.ErrInvalidPosition)
		}
		if sl != nil && *sl <= req.EntryPrice {
			return fmt.Errorf("risk: short stop-loss %v must be above entry %v: %w",
				*sl, req.EntryPrice, domain.ErrInvalidPosition)
		}
	}
	return nil
}
