package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/papertrade/leverd/internal/domain"
	"github.com/papertrade/leverd/internal/feed"
	"github.com/papertrade/leverd/internal/portfolio"
	"github.com/papertrade/leverd/internal/risk"
	"github.com/papertrade/leverd/internal/server"
	"github.com/papertrade/leverd/internal/server/handler"
	"github.com/papertrade/leverd/internal/server/ws"
	"github.com/papertrade/leverd/internal/service"
)

// services bundles the domain services shared by the modes.
type services struct {
	validator *risk.Validator
	positions *service.PositionService
	monitor   *service.MonitorService
	ledger    *service.LedgerService
}

func (a *App) buildServices(deps *Dependencies) *services {
	calc := risk.NewCalculator(a.cfg.Engine.InitialMarginRate, a.cfg.Engine.MaintenanceMarginRate)
	validator := risk.NewValidator(calc, a.cfg.InstrumentSet())
	return &services{
		validator: validator,
		positions: service.NewPositionService(validator, deps.PositionStore, deps.PriceCache, deps.SignalBus, deps.AuditStore, a.logger),
		monitor:   service.NewMonitorService(deps.PositionStore, deps.TradeStore, deps.SignalBus, deps.AuditStore, a.logger),
		ledger:    service.NewLedgerService(deps.TradeStore, a.logger),
	}
}

// newMonitoredRegistry builds a portfolio registry that starts a price
// ticker for every actor the first time their portfolio is registered. The
// tickers stop when ctx is cancelled.
func (a *App) newMonitoredRegistry(ctx context.Context, deps *Dependencies, svcs *services) *portfolio.Registry {
	var locks domain.LockManager
	if a.cfg.Engine.DistributedLock {
		locks = deps.Locks
	}
	interval := a.cfg.Engine.TickInterval.Duration

	return portfolio.NewRegistry(func(pf *portfolio.Portfolio) {
		ticker := portfolio.NewTicker(pf, deps.PriceCache, locks, svcs.monitor, interval, a.logger)
		go func() {
			if err := ticker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.ErrorContext(ctx, "ticker stopped",
					slog.String("actor", pf.Actor()),
					slog.String("error", err.Error()),
				)
			}
		}()
		a.logger.InfoContext(ctx, "monitoring started",
			slog.String("actor", pf.Actor()),
		)
	})
}

// restoreOpenActors loads every actor with open positions from the store and
// registers their portfolios, resuming monitoring after a restart.
func (a *App) restoreOpenActors(ctx context.Context, deps *Dependencies, svcs *services, registry *portfolio.Registry) error {
	actors, err := deps.PositionStore.ListOpenActors(ctx)
	if err != nil {
		return err
	}
	for _, actor := range actors {
		pf, err := svcs.positions.Restore(ctx, actor)
		if err != nil {
			return err
		}
		registry.Register(pf)
	}
	if len(actors) > 0 {
		a.logger.InfoContext(ctx, "open portfolios restored",
			slog.Int("actors", len(actors)),
		)
	}
	return nil
}

// startServer adds the HTTP server and the WebSocket hub to the errgroup.
// The optional settler enables manual close through the API; when nil the
// close endpoint reports positions as unmonitored.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services, registry *portfolio.Registry, settler portfolio.Settler) {
	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Positions: handler.NewPositionHandler(svcs.positions, deps.PositionStore, registry, settler, a.logger),
		Trades:    handler.NewTradeHandler(svcs.ledger, a.logger),
		Risk:      handler.NewRiskHandler(svcs.validator, a.logger),
		Audit:     handler.NewAuditHandler(deps.AuditStore, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return ctx.Err()
		case err := <-errCh:
			return err
		}
	})
}

// startFeed adds the mark-price WebSocket feed to the errgroup.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	wsFeed := feed.NewBinanceWSFeed(
		a.cfg.Feed.WsURL,
		a.cfg.Feed.Symbols,
		deps.PriceCache,
		deps.SignalBus,
		nil,
		a.logger,
	)
	g.Go(func() error {
		return wsFeed.Run(ctx)
	})
}

// startArchiveLoop adds the periodic trade archival job to the errgroup.
// Trades older than the retention window are uploaded to object storage.
func (a *App) startArchiveLoop(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.Archiver == nil {
		return
	}
	interval := a.cfg.Archive.Interval.Duration
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-retention)
				n, err := deps.Archiver.ArchiveTrades(ctx, cutoff)
				if err != nil {
					a.logger.WarnContext(ctx, "trade archival failed",
						slog.String("error", err.Error()),
					)
					continue
				}
				if n > 0 {
					a.logger.InfoContext(ctx, "trades archived",
						slog.Int64("count", n),
						slog.Time("cutoff", cutoff),
					)
				}
			}
		}
	})
}

// positionEvent is the subset of the bus payload the engine watcher needs.
type positionEvent struct {
	Event      string `json:"event"`
	PositionID string `json:"position_id"`
	Actor      string `json:"actor"`
}

// watchPositionEvents subscribes to the positions channel and folds opens
// published by a separate API process into the local registry, so a split
// serve/engine deployment monitors positions opened after engine startup.
func (a *App) watchPositionEvents(ctx context.Context, g *errgroup.Group, deps *Dependencies, registry *portfolio.Registry) {
	g.Go(func() error {
		msgs, err := deps.SignalBus.Subscribe(ctx, "positions")
		if err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case raw, ok := <-msgs:
				if !ok {
					return nil
				}
				var ev positionEvent
				if err := json.Unmarshal(raw, &ev); err != nil || ev.Event != "position_opened" {
					continue
				}
				pos, err := deps.PositionStore.GetByID(ctx, ev.PositionID)
				if err != nil {
					a.logger.WarnContext(ctx, "position event load failed",
						slog.String("position_id", ev.PositionID),
						slog.String("error", err.Error()),
					)
					continue
				}
				if pos.Status != domain.PositionStatusOpen {
					continue
				}
				pf := registry.GetOrCreate(pos.Actor)
				if err := pf.Add(pos); err != nil {
					a.logger.WarnContext(ctx, "position event add failed",
						slog.String("position_id", pos.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})
}

// serveMode runs the HTTP API and WebSocket hub only. Position monitoring is
// expected to run in a separate engine process sharing the same stores.
func (a *App) serveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)
	registry := portfolio.NewRegistry(nil)

	a.startServer(ctx, g, deps, svcs, registry, svcs.monitor)

	return g.Wait()
}

// engineMode runs the mark-price feed and the per-actor position tickers
// without the HTTP API.
func (a *App) engineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)
	registry := a.newMonitoredRegistry(ctx, deps, svcs)

	if err := a.restoreOpenActors(ctx, deps, svcs, registry); err != nil {
		return err
	}

	a.startFeed(ctx, g, deps)
	a.watchPositionEvents(ctx, g, deps, registry)
	a.startArchiveLoop(ctx, g, deps)

	return g.Wait()
}

// fullMode runs the API, the feed, and the position tickers in one process.
func (a *App) fullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)
	registry := a.newMonitoredRegistry(ctx, deps, svcs)

	if err := a.restoreOpenActors(ctx, deps, svcs, registry); err != nil {
		return err
	}

	a.startFeed(ctx, g, deps)
	a.startArchiveLoop(ctx, g, deps)
	a.startServer(ctx, g, deps, svcs, registry, svcs.monitor)

	return g.Wait()
}
