package portfolio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/leverd/internal/domain"
)

type fakePriceCache struct {
	prices map[string]float64
	err    error
}

func (f *fakePriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	f.prices[symbol] = price
	return nil
}

func (f *fakePriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	p, ok := f.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func (f *fakePriceCache) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

type recordingSettler struct {
	events []domain.CloseEvent
}

func (r *recordingSettler) Settle(ctx context.Context, events []domain.CloseEvent) error {
	r.events = append(r.events, events...)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickSettlesTriggeredCloses(t *testing.T) {
	pf := New("u1")
	pos := newTestPosition(t, domain.SideLong, nil, ptr(96))
	require.NoError(t, pf.Add(pos))

	cache := &fakePriceCache{prices: map[string]float64{"DOGEUSDT": 95}}
	settler := &recordingSettler{}
	ticker := NewTicker(pf, cache, nil, settler, time.Second, discardLogger())

	require.NoError(t, ticker.Tick(context.Background()))

	require.Len(t, settler.events, 1)
	assert.Equal(t, domain.CloseReasonStopLoss, settler.events[0].Reason)
	assert.Equal(t, 0, pf.Len())
}

func TestTickSkipsBadPrices(t *testing.T) {
	pf := New("u1")
	pos := newTestPosition(t, domain.SideLong, nil, nil)
	require.NoError(t, pf.Add(pos))

	cache := &fakePriceCache{prices: map[string]float64{"DOGEUSDT": -1}}
	settler := &recordingSettler{}
	ticker := NewTicker(pf, cache, nil, settler, time.Second, discardLogger())

	require.NoError(t, ticker.Tick(context.Background()))
	assert.Empty(t, settler.events)
	assert.Equal(t, 1, pf.Len())
}

type flakySettler struct {
	failures int
	events   []domain.CloseEvent
}

func (f *flakySettler) Settle(ctx context.Context, events []domain.CloseEvent) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("settle backend down")
	}
	f.events = append(f.events, events...)
	return nil
}

func TestTickRetriesUnsettledEvents(t *testing.T) {
	pf := New("u1")
	pos := newTestPosition(t, domain.SideLong, nil, ptr(96))
	require.NoError(t, pf.Add(pos))

	cache := &fakePriceCache{prices: map[string]float64{"DOGEUSDT": 95}}
	settler := &flakySettler{failures: 1}
	ticker := NewTicker(pf, cache, nil, settler, time.Second, discardLogger())

	// First batch removes the position but fails to settle.
	require.Error(t, ticker.Tick(context.Background()))
	assert.Equal(t, 0, pf.Len())
	assert.Empty(t, settler.events)

	// No open positions remain, yet the retained event is retried and
	// delivered on the next batch.
	require.NoError(t, ticker.Tick(context.Background()))
	require.Len(t, settler.events, 1)
	assert.Equal(t, domain.CloseReasonStopLoss, settler.events[0].Reason)

	// Settled events are not redelivered.
	require.NoError(t, ticker.Tick(context.Background()))
	assert.Len(t, settler.events, 1)
}

func TestTickNoOpWithoutOpenPositions(t *testing.T) {
	pf := New("u1")
	cache := &fakePriceCache{prices: map[string]float64{}}
	ticker := NewTicker(pf, cache, nil, &recordingSettler{}, time.Second, discardLogger())

	require.NoError(t, ticker.Tick(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	pf := New("u1")
	pos := newTestPosition(t, domain.SideLong, nil, nil)
	require.NoError(t, pf.Add(pos))

	cache := &fakePriceCache{prices: map[string]float64{"DOGEUSDT": 100}}
	ticker := NewTicker(pf, cache, nil, nil, 5*time.Millisecond, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := ticker.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
