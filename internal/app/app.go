// Package app wires configuration, infrastructure clients, and services into
// runnable modes of the leverd risk engine.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/papertrade/leverd/internal/config"
)

// App is the top level application container. It owns the configuration and
// the cleanup chain for every infrastructure client opened during Run.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	cleanup func()
}

// New creates an App from validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires the dependencies and dispatches to the configured mode. It
// blocks until the context is cancelled or the mode returns an error.
func (a *App) Run(ctx context.Context) error {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.cleanup = cleanup

	a.logger.InfoContext(ctx, "application starting",
		slog.String("mode", a.cfg.Mode),
	)

	switch a.cfg.Mode {
	case config.ModeServe:
		return a.serveMode(ctx, deps)
	case config.ModeEngine:
		return a.engineMode(ctx, deps)
	case config.ModeFull:
		return a.fullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unknown mode %q", a.cfg.Mode)
	}
}

// Close releases every client opened by Run. Safe to call after a failed or
// cancelled Run.
func (a *App) Close() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
	a.logger.Info("application stopped")
}
