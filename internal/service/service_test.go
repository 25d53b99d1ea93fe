package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/leverd/internal/domain"
	"github.com/papertrade/leverd/internal/portfolio"
	"github.com/papertrade/leverd/internal/risk"
)

// ---------------------------------------------------------------------------
// In-memory fakes for the domain interfaces.
// ---------------------------------------------------------------------------

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[string]domain.Position)}
}

func (m *memPositionStore) Create(ctx context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = pos
	return nil
}

func (m *memPositionStore) Update(ctx context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	m.positions[pos.ID] = pos
	return nil
}

func (m *memPositionStore) Close(ctx context.Context, id string, exitPrice, realizedPnL float64, reason domain.CloseReason, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok || pos.Status != domain.PositionStatusOpen {
		return domain.ErrNotFound
	}
	pos.Status = domain.PositionStatusClosed
	pos.ExitPrice = &exitPrice
	pos.RealizedPnL = &realizedPnL
	pos.CloseReason = &reason
	pos.ClosedAt = &closedAt
	m.positions[id] = pos
	return nil
}

func (m *memPositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memPositionStore) GetOpen(ctx context.Context, actor string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.Actor == actor && p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPositionStore) ListOpenActors(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var actors []string
	for _, p := range m.positions {
		if p.Status != domain.PositionStatusOpen {
			continue
		}
		if _, ok := seen[p.Actor]; ok {
			continue
		}
		seen[p.Actor] = struct{}{}
		actors = append(actors, p.Actor)
	}
	return actors, nil
}

func (m *memPositionStore) ListHistory(ctx context.Context, actor string, opts domain.ListOpts) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.Actor == actor {
			out = append(out, p)
		}
	}
	return out, nil
}

type memTradeStore struct {
	mu     sync.Mutex
	trades []domain.TradeRecord
}

func (m *memTradeStore) Insert(ctx context.Context, trade domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// One record per position, mirroring the store's conflict handling.
	for _, t := range m.trades {
		if t.PositionID == trade.PositionID {
			return nil
		}
	}
	m.trades = append(m.trades, trade)
	return nil
}

func (m *memTradeStore) GetByID(ctx context.Context, id string) (domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trades {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.TradeRecord{}, domain.ErrNotFound
}

func (m *memTradeStore) ListByActor(ctx context.Context, actor string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TradeRecord
	for _, t := range m.trades {
		if t.Actor != actor {
			continue
		}
		if opts.Since != nil && t.ClosedAt.Before(*opts.Since) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memTradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TradeRecord
	for _, t := range m.trades {
		if t.ClosedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTradeStore) SumPnL(ctx context.Context, actor string, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, t := range m.trades {
		if t.Actor == actor && !t.ClosedAt.Before(since) {
			sum += t.PnLUSD
		}
	}
	return sum, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{
		published: make(map[string][][]byte),
		streamed:  make(map[string][][]byte),
	}
}

func (m *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[channel] = append(m.published[channel], payload)
	return nil
}

func (m *memBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (m *memBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamed[stream] = append(m.streamed[stream], payload)
	return nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memPrices struct {
	prices map[string]float64
}

func (m *memPrices) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	m.prices[symbol] = price
	return nil
}

func (m *memPrices) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	p, ok := m.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func (m *memPrices) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := m.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------

type fixture struct {
	positions *memPositionStore
	trades    *memTradeStore
	bus       *memBus
	audit     *memAudit
	prices    *memPrices
	posSvc    *PositionService
	monitor   *MonitorService
	ledger    *LedgerService
}

func newFixture() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	validator := risk.NewValidator(risk.NewDefaultCalculator(), domain.InstrumentSet{
		"DOGEUSDT": {Symbol: "DOGEUSDT", MaxLeverage: 20, Enabled: true},
	})

	f := &fixture{
		positions: newMemPositionStore(),
		trades:    &memTradeStore{},
		bus:       newMemBus(),
		audit:     &memAudit{},
		prices:    &memPrices{prices: map[string]float64{"DOGEUSDT": 100}},
	}
	f.posSvc = NewPositionService(validator, f.positions, f.prices, f.bus, f.audit, logger)
	f.monitor = NewMonitorService(f.positions, f.trades, f.bus, f.audit, logger)
	f.ledger = NewLedgerService(f.trades, logger)
	return f
}

func openReq() domain.OpenRequest {
	return domain.OpenRequest{
		Actor:    "u1",
		Symbol:   "DOGEUSDT",
		Side:     domain.SideLong,
		SizeUSD:  1000,
		Leverage: 10,
	}
}

func TestOpenResolvesEntryFromCacheAndPersists(t *testing.T) {
	f := newFixture()
	pf := portfolio.New("u1")

	pos, err := f.posSvc.Open(context.Background(), pf, openReq())
	require.NoError(t, err)

	assert.InDelta(t, 100.0, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 91.25, pos.Risk.LiquidationPrice, 1e-9)
	assert.Equal(t, 1, pf.Len())

	stored, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, stored.Status)

	require.Len(t, f.bus.published["positions"], 1)
	assert.Contains(t, f.audit.events, "position_opened")
}

func TestOpenRejectedByValidator(t *testing.T) {
	f := newFixture()
	pf := portfolio.New("u1")

	req := openReq()
	req.Leverage = 25

	_, err := f.posSvc.Open(context.Background(), pf, req)
	require.ErrorIs(t, err, domain.ErrInvalidPosition)
	assert.Equal(t, 0, pf.Len())
	assert.Empty(t, f.bus.published["positions"])
}

func TestManualCloseSettlesTrade(t *testing.T) {
	f := newFixture()
	pf := portfolio.New("u1")

	pos, err := f.posSvc.Open(context.Background(), pf, openReq())
	require.NoError(t, err)

	f.prices.prices["DOGEUSDT"] = 103

	ev, err := f.posSvc.Close(context.Background(), pf, f.monitor, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonManual, ev.Reason)
	assert.InDelta(t, 30.0, ev.PnL.USD, 1e-9)

	stored, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	require.NotNil(t, stored.ExitPrice)
	assert.InDelta(t, 103.0, *stored.ExitPrice, 1e-9)

	require.Len(t, f.trades.trades, 1)
	rec := f.trades.trades[0]
	assert.Equal(t, pos.ID, rec.PositionID)
	assert.InDelta(t, 30.0, rec.PnLUSD, 1e-9)
	assert.InDelta(t, 30.0, rec.PnLPercent, 1e-9)

	// Closed position cannot be closed again.
	_, err = f.posSvc.Close(context.Background(), pf, f.monitor, pos.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, f.trades.trades, 1)
}

func TestSettleLiquidationBatch(t *testing.T) {
	f := newFixture()
	pf := portfolio.New("u1")

	pos, err := f.posSvc.Open(context.Background(), pf, openReq())
	require.NoError(t, err)

	events := pf.ApplyTick(map[string]float64{"DOGEUSDT": 85}, time.Now().UTC())
	require.Len(t, events, 1)
	require.NoError(t, f.monitor.Settle(context.Background(), events))

	require.Len(t, f.trades.trades, 1)
	rec := f.trades.trades[0]
	assert.Equal(t, domain.CloseReasonLiquidation, rec.Reason)
	assert.InDelta(t, 91.25, rec.ExitPrice, 1e-9)

	// Close event reaches both pub/sub and the durable stream.
	assert.NotEmpty(t, f.bus.streamed["stream:trades"])

	stored, err := f.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
}

func TestSettleRetryAfterCloseWritesTradeRecord(t *testing.T) {
	f := newFixture()
	pf := portfolio.New("u1")

	_, err := f.posSvc.Open(context.Background(), pf, openReq())
	require.NoError(t, err)

	events := pf.ApplyTick(map[string]float64{"DOGEUSDT": 85}, time.Now().UTC())
	require.Len(t, events, 1)
	require.NoError(t, f.monitor.Settle(context.Background(), events))
	require.Len(t, f.trades.trades, 1)

	// A retry of the same batch finds the row already closed and still
	// completes; the trade store guards against a duplicate record.
	require.NoError(t, f.monitor.Settle(context.Background(), events))
	assert.Len(t, f.trades.trades, 1)
}

func TestSettleDropsUnknownPosition(t *testing.T) {
	f := newFixture()
	pf := portfolio.New("u1")

	pos, err := f.posSvc.Open(context.Background(), pf, openReq())
	require.NoError(t, err)

	events := pf.ApplyTick(map[string]float64{"DOGEUSDT": 85}, time.Now().UTC())
	require.Len(t, events, 1)

	// The position vanished from the store before settlement. No trade
	// record may be fabricated for it.
	f.positions.mu.Lock()
	delete(f.positions.positions, pos.ID)
	f.positions.mu.Unlock()

	require.NoError(t, f.monitor.Settle(context.Background(), events))
	assert.Empty(t, f.trades.trades)
}

func TestRestoreRebuildsPortfolio(t *testing.T) {
	f := newFixture()
	pf := portfolio.New("u1")

	_, err := f.posSvc.Open(context.Background(), pf, openReq())
	require.NoError(t, err)

	restored, err := f.posSvc.Restore(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Len())
	assert.Equal(t, []string{"DOGEUSDT"}, restored.Symbols())
}

func TestLedgerSummarize(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()

	seed := []domain.TradeRecord{
		{ID: "t1", PositionID: "p1", Actor: "u1", PnLUSD: 50, Reason: domain.CloseReasonTakeProfit, ClosedAt: now},
		{ID: "t2", PositionID: "p2", Actor: "u1", PnLUSD: -87.5, Reason: domain.CloseReasonLiquidation, ClosedAt: now},
		{ID: "t3", PositionID: "p3", Actor: "u1", PnLUSD: 10, Reason: domain.CloseReasonManual, ClosedAt: now},
		{ID: "t4", PositionID: "p4", Actor: "other", PnLUSD: 999, Reason: domain.CloseReasonManual, ClosedAt: now},
	}
	for _, tr := range seed {
		require.NoError(t, f.trades.Insert(context.Background(), tr))
	}

	sum, err := f.ledger.Summarize(context.Background(), "u1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Trades)
	assert.Equal(t, 2, sum.Wins)
	assert.Equal(t, 1, sum.Losses)
	assert.Equal(t, 1, sum.Liquidations)
	assert.InDelta(t, -27.5, sum.PnLUSD, 1e-9)
	assert.InDelta(t, 50.0, sum.BestUSD, 1e-9)
	assert.InDelta(t, -87.5, sum.WorstUSD, 1e-9)

	total, err := f.ledger.SumPnL(context.Background(), "u1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, -27.5, total, 1e-9)
}
