package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/leverd/internal/domain"
)

func testValidator(maxLev float64) *Validator {
	return NewValidator(NewDefaultCalculator(), domain.InstrumentSet{
		"DOGEUSDT": {Symbol: "DOGEUSDT", MaxLeverage: maxLev, Enabled: true},
	})
}

func TestCanOpenTruthTable(t *testing.T) {
	v := testValidator(20)

	cases := []struct {
		name       string
		size       float64
		leverage   float64
		collateral float64
		want       bool
	}{
		{"reference accept", 1000, 10, 100, true},
		{"insufficient collateral", 1000, 10, 50, false},
		{"over ceiling despite collateral", 1000, 25, 200, false},
		{"at ceiling", 1000, 20, 100, true},
		{"exactly initial margin", 1000, 5, 100, true},
		{"just under initial margin", 1000, 5, 99.99, false},
		{"zero size", 0, 10, 100, false},
		{"zero collateral", 1000, 10, 0, false},
		{"sub-unit leverage", 1000, 0.5, 1000, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, v.CanOpen("DOGEUSDT", tc.size, tc.leverage, tc.collateral))
		})
	}
}

func TestCanOpenPerInstrumentCeiling(t *testing.T) {
	v := NewValidator(NewDefaultCalculator(), domain.InstrumentSet{
		"BTCUSDT":  {Symbol: "BTCUSDT", MaxLeverage: 50, Enabled: true},
		"PEPEUSDT": {Symbol: "PEPEUSDT", MaxLeverage: 10, Enabled: true},
		"RUGUSDT":  {Symbol: "RUGUSDT", MaxLeverage: 20, Enabled: false},
	})

	assert.True(t, v.CanOpen("BTCUSDT", 1000, 40, 100))
	assert.False(t, v.CanOpen("PEPEUSDT", 1000, 40, 100))
	assert.False(t, v.CanOpen("RUGUSDT", 1000, 10, 100), "disabled instrument must reject")
	// Unknown symbols fall back to the default ceiling of 20.
	assert.True(t, v.CanOpen("NEWUSDT", 1000, 20, 100))
	assert.False(t, v.CanOpen("NEWUSDT", 1000, 21, 100))
}

func TestSizingHelpers(t *testing.T) {
	assert.InDelta(t, 1000.0, MaxPositionSize(100, 10), 1e-9)
	assert.InDelta(t, 100.0, RequiredCollateral(1000, 10), 1e-9)
}

func TestNewPositionDerivesMissingLeg(t *testing.T) {
	v := testValidator(20)

	t.Run("from notional", func(t *testing.T) {
		pos, err := v.NewPosition(domain.OpenRequest{
			Actor:      "u1",
			Symbol:     "dogeusdt",
			Side:       domain.SideLong,
			SizeUSD:    1000,
			Leverage:   10,
			EntryPrice: 100,
		})
		require.NoError(t, err)
		assert.Equal(t, "DOGEUSDT", pos.Symbol)
		assert.InDelta(t, 100.0, pos.CollateralUSD, 1e-9)
		assert.InDelta(t, 91.25, pos.Risk.LiquidationPrice, 1e-9)
		assert.Equal(t, domain.PositionStatusOpen, pos.Status)
		assert.NotEmpty(t, pos.ID)
	})

	t.Run("from collateral", func(t *testing.T) {
		pos, err := v.NewPosition(domain.OpenRequest{
			Actor:         "u1",
			Symbol:        "DOGEUSDT",
			Side:          domain.SideShort,
			CollateralUSD: 100,
			Leverage:      10,
			EntryPrice:    100,
		})
		require.NoError(t, err)
		assert.InDelta(t, 1000.0, pos.SizeUSD, 1e-9)
		assert.InDelta(t, 108.75, pos.Risk.LiquidationPrice, 1e-9)
	})
}

func TestNewPositionRejections(t *testing.T) {
	v := testValidator(20)
	tp := 90.0
	sl := 110.0

	cases := []struct {
		name string
		req  domain.OpenRequest
	}{
		{"empty symbol", domain.OpenRequest{Side: domain.SideLong, SizeUSD: 1000, Leverage: 10, EntryPrice: 100}},
		{"bad side", domain.OpenRequest{Symbol: "DOGEUSDT", Side: "hold", SizeUSD: 1000, Leverage: 10, EntryPrice: 100}},
		{"over ceiling", domain.OpenRequest{Symbol: "DOGEUSDT", Side: domain.SideLong, SizeUSD: 1000, Leverage: 25, EntryPrice: 100}},
		{"no size or collateral", domain.OpenRequest{Symbol: "DOGEUSDT", Side: domain.SideLong, Leverage: 10, EntryPrice: 100}},
		{"zero entry", domain.OpenRequest{Symbol: "DOGEUSDT", Side: domain.SideLong, SizeUSD: 1000, Leverage: 10}},
		{"long TP below entry", domain.OpenRequest{Symbol: "DOGEUSDT", Side: domain.SideLong, SizeUSD: 1000, Leverage: 10, EntryPrice: 100, TakeProfit: &tp}},
		{"long SL above entry", domain.OpenRequest{Symbol: "DOGEUSDT", Side: domain.SideLong, SizeUSD: 1000, Leverage: 10, EntryPrice: 100, StopLoss: &sl}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.NewPosition(tc.req)
			require.ErrorIs(t, err, domain.ErrInvalidPosition)
		})
	}
}

func TestAdmittedPositionNeverImmediatelyLiquidatable(t *testing.T) {
	// CanOpen requires collateral >= initial margin, and initial margin is
	// strictly above maintenance margin, so an admitted position can never
	// start below the maintenance requirement.
	v := testValidator(20)

	for lev := 1.0; lev <= 10; lev++ {
		pos, err := v.NewPosition(domain.OpenRequest{
			Actor:      "u1",
			Symbol:     "DOGEUSDT",
			Side:       domain.SideShort,
			SizeUSD:    1000,
			Leverage:   lev,
			EntryPrice: 0.42,
		})
		require.NoError(t, err)
		assert.False(t, pos.Risk.ImmediatelyLiquidatable)
	}
}
