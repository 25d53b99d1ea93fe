package portfolio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/leverd/internal/domain"
	"github.com/papertrade/leverd/internal/risk"
)

var testInstruments = domain.InstrumentSet{
	"DOGEUSDT": {Symbol: "DOGEUSDT", MaxLeverage: 20, Enabled: true},
	"PEPEUSDT": {Symbol: "PEPEUSDT", MaxLeverage: 20, Enabled: true},
}

func newTestPosition(t *testing.T, side domain.Side, tp, sl *float64) domain.Position {
	t.Helper()
	v := risk.NewValidator(risk.NewDefaultCalculator(), testInstruments)
	pos, err := v.NewPosition(domain.OpenRequest{
		Actor:      "u1",
		Symbol:     "DOGEUSDT",
		Side:       side,
		SizeUSD:    1000,
		Leverage:   10,
		EntryPrice: 100,
		TakeProfit: tp,
		StopLoss:   sl,
	})
	require.NoError(t, err)
	return pos
}

func ptr(v float64) *float64 { return &v }

func TestApplyTickKeepsOpenAndRefreshesPnL(t *testing.T) {
	pf := New("u1")
	pos := newTestPosition(t, domain.SideLong, nil, nil)
	require.NoError(t, pf.Add(pos))

	events := pf.ApplyTick(map[string]float64{"DOGEUSDT": 95}, time.Now())
	assert.Empty(t, events)

	got, err := pf.Get(pos.ID)
	require.NoError(t, err)
	assert.InDelta(t, 95.0, got.MarkPrice, 1e-9)
	assert.InDelta(t, -50.0, got.UnrealizedPnL.USD, 1e-9)
	assert.InDelta(t, -50.0, got.UnrealizedPnL.Percent, 1e-9)
}

func TestApplyTickLiquidatesAtBoundaryPrice(t *testing.T) {
	pf := New("u1")
	pos := newTestPosition(t, domain.SideLong, nil, nil) // liq at 91.25
	require.NoError(t, pf.Add(pos))

	events := pf.ApplyTick(map[string]float64{"DOGEUSDT": 80}, time.Now())
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, domain.CloseReasonLiquidation, ev.Reason)
	// Filled at the liquidation boundary, not the raw mark price.
	assert.InDelta(t, 91.25, ev.Price, 1e-9)
	assert.InDelta(t, -87.5, ev.PnL.USD, 1e-9)
	assert.Equal(t, 0, pf.Len())
}

func TestApplyTickShortLiquidation(t *testing.T) {
	pf := New("u1")
	pos := newTestPosition(t, domain.SideShort, nil, nil) // liq at 108.75
	require.NoError(t, pf.Add(pos))

	// Stays open below the boundary.
	events := pf.ApplyTick(map[string]float64{"DOGEUSDT": 105}, time.Now())
	assert.Empty(t, events)

	events = pf.ApplyTick(map[string]float64{"DOGEUSDT": 108.75}, time.Now())
	require.Len(t, events, 1)
	assert.Equal(t, domain.CloseReasonLiquidation, events[0].Reason)
	assert.InDelta(t, 108.75, events[0].Price, 1e-9)
}

func TestLiquidationPrecedesTakeProfit(t *testing.T) {
	// Force a mark price at which both the liquidation rule and the
	// take-profit rule match; the validator would not admit this TP, so
	// set it directly on the constructed position.
	pf := New("u1")
	pos := newTestPosition(t, domain.SideShort, nil, nil)
	tp := 120.0
	pos.TakeProfit = &tp
	require.NoError(t, pf.Add(pos))

	events := pf.ApplyTick(map[string]float64{"DOGEUSDT": 115}, time.Now())
	require.Len(t, events, 1)
	assert.Equal(t, domain.CloseReasonLiquidation, events[0].Reason)
	assert.InDelta(t, 108.75, events[0].Price, 1e-9)
}

func TestTakeProfitAndStopLoss(t *testing.T) {
	cases := []struct {
		name       string
		side       domain.Side
		tp, sl     *float64
		markPrice  float64
		wantReason domain.CloseReason
		wantPrice  float64
	}{
		{"long TP", domain.SideLong, ptr(110), nil, 111, domain.CloseReasonTakeProfit, 110},
		{"long SL", domain.SideLong, nil, ptr(96), 95.5, domain.CloseReasonStopLoss, 96},
		{"short TP", domain.SideShort, ptr(92), nil, 91, domain.CloseReasonTakeProfit, 92},
		{"short SL", domain.SideShort, nil, ptr(104), 105, domain.CloseReasonStopLoss, 104},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pf := New("u1")
			pos := newTestPosition(t, tc.side, tc.tp, tc.sl)
			require.NoError(t, pf.Add(pos))

			events := pf.ApplyTick(map[string]float64{"DOGEUSDT": tc.markPrice}, time.Now())
			require.Len(t, events, 1)
			assert.Equal(t, tc.wantReason, events[0].Reason)
			// Filled at the trigger price, not the breaching mark price.
			assert.InDelta(t, tc.wantPrice, events[0].Price, 1e-9)
		})
	}
}

func TestImmediatelyLiquidatableClosesOnFirstTick(t *testing.T) {
	pf := New("u1")
	pos := newTestPosition(t, domain.SideLong, nil, nil)
	pos.Risk.ImmediatelyLiquidatable = true
	pos.Risk.LiquidationPrice = pos.EntryPrice
	require.NoError(t, pf.Add(pos))

	// Price is comfortably above entry, yet the flag forces closure.
	events := pf.ApplyTick(map[string]float64{"DOGEUSDT": 130}, time.Now())
	require.Len(t, events, 1)
	assert.Equal(t, domain.CloseReasonLiquidation, events[0].Reason)
	assert.InDelta(t, pos.EntryPrice, events[0].Price, 1e-9)
}

func TestApplyTickBatchIsolatesBadSymbols(t *testing.T) {
	pf := New("u1")
	long := newTestPosition(t, domain.SideLong, nil, nil)
	require.NoError(t, pf.Add(long))

	v := risk.NewValidator(risk.NewDefaultCalculator(), testInstruments)
	other, err := v.NewPosition(domain.OpenRequest{
		Actor:      "u1",
		Symbol:     "PEPEUSDT",
		Side:       domain.SideLong,
		SizeUSD:    500,
		Leverage:   5,
		EntryPrice: 2,
	})
	require.NoError(t, err)
	require.NoError(t, pf.Add(other))

	// Zero price for DOGEUSDT must not disturb PEPEUSDT's update.
	events := pf.ApplyTick(map[string]float64{"DOGEUSDT": 0, "PEPEUSDT": 2.2}, time.Now())
	assert.Empty(t, events)

	got, err := pf.Get(other.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.2, got.MarkPrice, 1e-9)

	unchanged, err := pf.Get(long.ID)
	require.NoError(t, err)
	assert.InDelta(t, long.EntryPrice, unchanged.MarkPrice, 1e-9)
}

func TestCloseManual(t *testing.T) {
	pf := New("u1")
	pos := newTestPosition(t, domain.SideLong, nil, nil)
	require.NoError(t, pf.Add(pos))

	ev, err := pf.CloseManual(pos.ID, 103, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonManual, ev.Reason)
	assert.InDelta(t, 30.0, ev.PnL.USD, 1e-9)
	assert.Equal(t, domain.PositionStatusClosed, ev.Position.Status)

	// Second close of the same ID finds nothing.
	_, err = pf.CloseManual(pos.ID, 103, time.Now())
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = pf.CloseManual("missing", 0, time.Now())
	require.ErrorIs(t, err, domain.ErrInvalidPrice)
}

func TestConcurrentTickAndManualCloseSingleEvent(t *testing.T) {
	// Hammer a liquidating tick against a manual close; exactly one of them
	// may win for each position.
	for i := 0; i < 50; i++ {
		pf := New("u1")
		pos := newTestPosition(t, domain.SideLong, nil, nil)
		require.NoError(t, pf.Add(pos))

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			closes int
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			events := pf.ApplyTick(map[string]float64{"DOGEUSDT": 50}, time.Now())
			mu.Lock()
			closes += len(events)
			mu.Unlock()
		}()
		go func() {
			defer wg.Done()
			if _, err := pf.CloseManual(pos.ID, 99, time.Now()); err == nil {
				mu.Lock()
				closes++
				mu.Unlock()
			}
		}()
		wg.Wait()

		assert.Equal(t, 1, closes)
		assert.Equal(t, 0, pf.Len())
	}
}

func TestTierRecomputedFromLiveDistance(t *testing.T) {
	pos := newTestPosition(t, domain.SideLong, nil, nil) // liq at 91.25

	assert.Equal(t, domain.RiskTierMedium, Tier(pos, 100)) // 8.75% away
	assert.Equal(t, domain.RiskTierLow, Tier(pos, 110))    // ~17% away
	assert.Equal(t, domain.RiskTierHigh, Tier(pos, 93))    // <2% away
}
