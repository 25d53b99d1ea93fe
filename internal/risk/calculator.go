// Package risk implements the pure calculation layer of the paper-trading
// engine: liquidation price and margin arithmetic, PnL at an arbitrary mark
// price, and the admission checks that gate position creation. Everything in
// this package is stateless and safe for concurrent use.
package risk

import (
	"fmt"
	"math"

	"github.com/papertrade/leverd/internal/domain"
)

// Reference margin rates. The maintenance rate must stay below the initial
// rate so that a position opened at exactly the initial-margin boundary is
// not already eligible for liquidation.
const (
	DefaultInitialMarginRate     = 0.10
	DefaultMaintenanceMarginRate = 0.0125
)

// Risk-tier thresholds on distance-to-liquidation, in percent of entry price.
const (
	tierLowAbovePct    = 15.0
	tierMediumAbovePct = 7.0
)

// Calculator derives static risk parameters from position inputs.
type Calculator struct {
	initialMarginRate     float64
	maintenanceMarginRate float64
}

// NewCalculator creates a Calculator with the given margin rates. It panics
// when the rates violate maintenance < initial or are not both positive;
// rates come from static configuration, so a violation is a programming or
// deployment error, never user input.
func NewCalculator(initialRate, maintenanceRate float64) *Calculator {
	if initialRate <= 0 || maintenanceRate <= 0 || maintenanceRate >= initialRate {
		panic(fmt.Sprintf("risk: margin rates must satisfy 0 < maintenance (%v) < initial (%v)",
			maintenanceRate, initialRate))
	}
	return &Calculator{
		initialMarginRate:     initialRate,
		maintenanceMarginRate: maintenanceRate,
	}
}

// NewDefaultCalculator creates a Calculator with the reference rates
// (10% initial, 1.25% maintenance).
func NewDefaultCalculator() *Calculator {
	return NewCalculator(DefaultInitialMarginRate, DefaultMaintenanceMarginRate)
}

// InitialMarginRate returns the configured initial margin rate.
func (c *Calculator) InitialMarginRate() float64 { return c.initialMarginRate }

// MaintenanceMarginRate returns the configured maintenance margin rate.
func (c *Calculator) MaintenanceMarginRate() float64 { return c.maintenanceMarginRate }

// ComputeRisk derives the liquidation price, margin requirements, effective
// leverage, and risk tier for a position on the given instrument. Inputs
// follow the canonical convention: SizeUSD is notional, CollateralUSD is
// posted margin.
//
// When the posted collateral is already below the maintenance margin, the
// liquidation price would mathematically cross to the wrong side of the
// entry price. In that case the snapshot clamps it to the entry price and
// sets ImmediatelyLiquidatable, so callers never see an inverted price.
func (c *Calculator) ComputeRisk(p domain.Position, inst domain.Instrument) (domain.RiskSnapshot, error) {
	if err := c.validateInputs(p); err != nil {
		return domain.RiskSnapshot{}, err
	}
	if p.Leverage > inst.MaxLeverage {
		return domain.RiskSnapshot{}, fmt.Errorf("risk: leverage %v exceeds %s ceiling %v: %w",
			p.Leverage, inst.Symbol, inst.MaxLeverage, domain.ErrInvalidPosition)
	}

	snap := domain.RiskSnapshot{
		InitialMargin:     p.SizeUSD * c.initialMarginRate,
		MaintenanceMargin: p.SizeUSD * c.maintenanceMarginRate,
		EffectiveLeverage: p.SizeUSD / p.CollateralUSD,
	}

	buffer := (p.CollateralUSD - snap.MaintenanceMargin) / p.SizeUSD
	if buffer < 0 {
		snap.LiquidationPrice = p.EntryPrice
		snap.ImmediatelyLiquidatable = true
		snap.Tier = domain.RiskTierHigh
		return snap, nil
	}

	switch p.Side {
	case domain.SideLong:
		snap.LiquidationPrice = p.EntryPrice * (1 - buffer)
	case domain.SideShort:
		snap.LiquidationPrice = p.EntryPrice * (1 + buffer)
	}

	snap.Tier = TierForDistance(DistancePct(p.EntryPrice, snap.LiquidationPrice))
	return snap, nil
}

// DistancePct returns the distance between entry and liquidation price as a
// percentage of the entry price.
func DistancePct(entryPrice, liquidationPrice float64) float64 {
	return math.Abs(liquidationPrice-entryPrice) / entryPrice * 100
}

// TierForDistance maps a distance-to-liquidation percentage onto a discrete
// risk tier. The mapping is monotonic: a larger distance never yields a
// higher-risk tier.
func TierForDistance(distancePct float64) domain.RiskTier {
	switch {
	case distancePct > tierLowAbovePct:
		return domain.RiskTierLow
	case distancePct > tierMediumAbovePct:
		return domain.RiskTierMedium
	default:
		return domain.RiskTierHigh
	}
}

func (c *Calculator) validateInputs(p domain.Position) error {
	if !p.Side.Valid() {
		return fmt.Errorf("risk: side %q: %w", p.Side, domain.ErrInvalidPosition)
	}
	if p.SizeUSD <= 0 || math.IsNaN(p.SizeUSD) || math.IsInf(p.SizeUSD, 0) {
		return fmt.Errorf("risk: size %v must be positive: %w", p.SizeUSD, domain.ErrInvalidPosition)
	}
	if p.EntryPrice <= 0 || math.IsNaN(p.EntryPrice) || math.IsInf(p.EntryPrice, 0) {
		return fmt.Errorf("risk: entry price %v must be positive: %w", p.EntryPrice, domain.ErrInvalidPosition)
	}
	if p.CollateralUSD <= 0 || math.IsNaN(p.CollateralUSD) || math.IsInf(p.CollateralUSD, 0) {
		return fmt.Errorf("risk: collateral %v must be positive: %w", p.CollateralUSD, domain.ErrInvalidPosition)
	}
	if p.Leverage < 1 {
		return fmt.Errorf("risk: leverage %v must be at least 1: %w", p.Leverage, domain.ErrInvalidPosition)
	}
	return nil
}
