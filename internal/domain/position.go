package domain

import "time"

// Side indicates the direction of a leveraged position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// RiskTier is a discrete classification of how close a position sits to its
// liquidation price, derived from distance-to-liquidation as a percentage of
// the entry price.
type RiskTier string

const (
	RiskTierLow    RiskTier = "low"
	RiskTierMedium RiskTier = "medium"
	RiskTierHigh   RiskTier = "high"
)

// CloseReason records why a position left the open set.
type CloseReason string

const (
	CloseReasonManual      CloseReason = "manual"
	CloseReasonLiquidation CloseReason = "liquidation"
	CloseReasonTakeProfit  CloseReason = "take_profit"
	CloseReasonStopLoss    CloseReason = "stop_loss"
)

// Position represents one open leveraged exposure.
//
// Convention: SizeUSD is the leveraged notional value exposed to price
// movement; CollateralUSD is the margin actually posted by the trader. The
// two are related through leverage (collateral = size / leverage at open),
// and every calculator in this module uses the same convention.
//
// Positions are only constructed through risk.Validator.NewPosition, so a
// position held by a Portfolio or store always satisfies the admission
// invariants (positive size, entry price, collateral; leverage within the
// instrument ceiling).
type Position struct {
	ID            string
	Actor         string // owning user session
	Symbol        string
	Side          Side
	SizeUSD       float64
	Leverage      float64
	EntryPrice    float64
	CollateralUSD float64
	TakeProfit    *float64
	StopLoss      *float64

	Risk RiskSnapshot // computed at open, immutable thereafter

	MarkPrice     float64 // last mark price applied
	UnrealizedPnL PnLResult

	Status   PositionStatus
	OpenedAt time.Time
	ClosedAt *time.Time

	ExitPrice   *float64
	CloseReason *CloseReason
	RealizedPnL *float64
}

// RiskSnapshot holds the static risk parameters derived from a position's
// size, leverage, entry price, and collateral. It is recomputed only when
// one of those inputs changes, which in this model is never after open.
type RiskSnapshot struct {
	LiquidationPrice  float64
	InitialMargin     float64
	MaintenanceMargin float64
	EffectiveLeverage float64
	Tier              RiskTier

	// ImmediatelyLiquidatable is set when the posted collateral is already
	// below the maintenance margin, in which case LiquidationPrice is
	// clamped to the entry price instead of crossing to the wrong side.
	ImmediatelyLiquidatable bool
}

// PnLResult is the profit-and-loss of a position at some mark price.
// Percent is relative to posted collateral, not notional, reflecting the
// trader's actual capital at risk.
type PnLResult struct {
	USD     float64
	Percent float64
}

// OpenRequest carries the order-entry parameters for a new position. Exactly
// one of SizeUSD / CollateralUSD may be zero, in which case it is derived
// from the other via Leverage before validation.
type OpenRequest struct {
	Actor         string
	Symbol        string
	Side          Side
	SizeUSD       float64
	CollateralUSD float64
	Leverage      float64
	EntryPrice    float64
	TakeProfit    *float64
	StopLoss      *float64
}

// CloseEvent is emitted exactly once when a position leaves the open set.
// Price is the determined close price (liquidation boundary, TP, SL, or the
// mark price for a manual close), and PnL is computed at that price.
type CloseEvent struct {
	Position Position
	Reason   CloseReason
	Price    float64
	PnL      PnLResult
	ClosedAt time.Time
}
