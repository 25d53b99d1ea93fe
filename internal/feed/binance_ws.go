// Package feed streams external mark prices into the price cache and onto
// the signal bus.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papertrade/leverd/internal/domain"
)

const (
	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// writeWait is the time allowed to write a control message to the peer.
	writeWait = 10 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TickHandler is called for each accepted mark-price tick.
type TickHandler func(ctx context.Context, tick domain.PriceTick)

// BinanceWSFeed connects to the Binance futures combined stream and consumes
// markPrice updates for the configured symbols. Each accepted tick is stored
// in the price cache, published to the "ticks" channel, and handed to the
// optional handler. The feed reconnects with exponential backoff.
type BinanceWSFeed struct {
	baseURL string
	symbols []string
	prices  domain.PriceCache
	bus     domain.SignalBus
	onTick  TickHandler
	logger  *slog.Logger
}

// NewBinanceWSFeed creates a feed for the given symbols.
//
// baseURL is the combined-stream endpoint, e.g. "wss://fstream.binance.com/stream".
func NewBinanceWSFeed(baseURL string, symbols []string, prices domain.PriceCache, bus domain.SignalBus, onTick TickHandler, logger *slog.Logger) *BinanceWSFeed {
	return &BinanceWSFeed{
		baseURL: baseURL,
		symbols: symbols,
		prices:  prices,
		bus:     bus,
		onTick:  onTick,
		logger:  logger.With(slog.String("component", "binance_ws_feed")),
	}
}

// streamURL builds the combined-stream URL with one markPrice stream per symbol.
func (f *BinanceWSFeed) streamURL() string {
	streams := make([]string, 0, len(f.symbols))
	for _, sym := range f.symbols {
		streams = append(streams, strings.ToLower(sym)+"@markPrice@1s")
	}
	return f.baseURL + "?streams=" + strings.Join(streams, "/")
}

// Run connects and consumes ticks until ctx is cancelled, reconnecting with
// exponential backoff on disconnect.
func (f *BinanceWSFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}

	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("binance ws disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *BinanceWSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	f.logger.Info("binance ws connected", slog.Int("symbols", len(f.symbols)))

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", domain.ErrWSDisconnect)
		}
		f.handleMessage(ctx, data)
	}
}

// combinedMessage is the envelope of the Binance combined stream.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   markPriceUpdate `json:"data"`
}

// markPriceUpdate is the markPrice event payload. Prices arrive as strings.
type markPriceUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

func (f *BinanceWSFeed) handleMessage(ctx context.Context, data []byte) {
	var msg combinedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("binance ws: unmarshal failed", slog.String("error", err.Error()))
		return
	}
	if msg.Data.EventType != "markPriceUpdate" || msg.Data.Symbol == "" {
		return
	}

	price, err := strconv.ParseFloat(msg.Data.MarkPrice, 64)
	if err != nil {
		f.logger.Debug("binance ws: parse price failed",
			slog.String("symbol", msg.Data.Symbol),
			slog.String("raw", msg.Data.MarkPrice),
		)
		return
	}
	// A non-positive mark price can never trigger a close correctly.
	if price <= 0 {
		f.logger.Warn("binance ws: dropping non-positive price",
			slog.String("symbol", msg.Data.Symbol),
			slog.Float64("price", price),
		)
		return
	}

	tick := domain.PriceTick{
		Symbol:    msg.Data.Symbol,
		Price:     price,
		Timestamp: time.UnixMilli(msg.Data.EventTime),
	}

	if err := f.prices.SetPrice(ctx, tick.Symbol, tick.Price, tick.Timestamp); err != nil {
		f.logger.Warn("binance ws: cache price failed",
			slog.String("symbol", tick.Symbol),
			slog.String("error", err.Error()),
		)
	}

	evt, _ := json.Marshal(map[string]any{
		"event":     "mark_price",
		"symbol":    tick.Symbol,
		"price":     tick.Price,
		"timestamp": tick.Timestamp.Format(time.RFC3339Nano),
	})
	if err := f.bus.Publish(ctx, "ticks", evt); err != nil {
		f.logger.Debug("binance ws: publish tick failed",
			slog.String("symbol", tick.Symbol),
			slog.String("error", err.Error()),
		)
	}

	if f.onTick != nil {
		f.onTick(ctx, tick)
	}
}
