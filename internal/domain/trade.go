package domain

import "time"

// TradeRecord is the settled outcome of a closed position, handed to the
// persistence layer and to downstream bookkeeping (leaderboards, stats).
type TradeRecord struct {
	ID            string
	PositionID    string
	Actor         string
	Symbol        string
	Side          Side
	SizeUSD       float64
	Leverage      float64
	CollateralUSD float64
	EntryPrice    float64
	ExitPrice     float64
	PnLUSD        float64
	PnLPercent    float64
	Reason        CloseReason
	OpenedAt      time.Time
	ClosedAt      time.Time
}

// PriceTick is one mark-price observation from the external price feed.
type PriceTick struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}
