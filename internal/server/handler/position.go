package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/papertrade/leverd/internal/domain"
	"github.com/papertrade/leverd/internal/portfolio"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Open(ctx context.Context, pf *portfolio.Portfolio, req domain.OpenRequest) (domain.Position, error)
	Close(ctx context.Context, pf *portfolio.Portfolio, settler portfolio.Settler, positionID string) (domain.CloseEvent, error)
	ListOpen(ctx context.Context, actor string) ([]domain.Position, error)
	ListHistory(ctx context.Context, actor string, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	store     domain.PositionStore
	registry  *portfolio.Registry
	settler   portfolio.Settler
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given dependencies.
func NewPositionHandler(positions PositionService, store domain.PositionStore, registry *portfolio.Registry, settler portfolio.Settler, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		store:     store,
		registry:  registry,
		settler:   settler,
		logger:    logger,
	}
}

// openPositionRequest is the JSON body for opening a position.
type openPositionRequest struct {
	Actor         string   `json:"actor"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	SizeUSD       float64  `json:"size_usd"`
	CollateralUSD float64  `json:"collateral_usd"`
	Leverage      float64  `json:"leverage"`
	EntryPrice    float64  `json:"entry_price"`
	TakeProfit    *float64 `json:"take_profit"`
	StopLoss      *float64 `json:"stop_loss"`
}

// OpenPosition validates and opens a new position.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	pf := h.registry.GetOrCreate(req.Actor)
	pos, err := h.positions.Open(r.Context(), pf, domain.OpenRequest{
		Actor:         req.Actor,
		Symbol:        req.Symbol,
		Side:          domain.Side(req.Side),
		SizeUSD:       req.SizeUSD,
		CollateralUSD: req.CollateralUSD,
		Leverage:      req.Leverage,
		EntryPrice:    req.EntryPrice,
		TakeProfit:    req.TakeProfit,
		StopLoss:      req.StopLoss,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidPosition),
			errors.Is(err, domain.ErrInvalidPrice),
			errors.Is(err, domain.ErrUnknownSymbol):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusConflict, "no mark price available for symbol")
		default:
			h.logger.ErrorContext(r.Context(), "handler: open position failed",
				slog.String("actor", req.Actor),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to open position")
		}
		return
	}

	writeJSON(w, http.StatusCreated, pos)
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns all open positions for a given actor.
// GET /api/positions?actor=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeError(w, http.StatusBadRequest, "actor query parameter required")
		return
	}

	positions, err := h.positions.ListOpen(r.Context(), actor)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("actor", actor),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns a single position by ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	pos, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// ClosePosition closes an open position at the current mark price.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	pos, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: close position lookup failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to close position")
		return
	}

	pf, ok := h.registry.Get(pos.Actor)
	if !ok {
		// The monitor may have already closed it, or the engine replica
		// owning this actor is elsewhere.
		writeError(w, http.StatusConflict, "position is not monitored by this instance")
		return
	}

	ev, err := h.positions.Close(r.Context(), pf, h.settler, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusConflict, "position already closed")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: close position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to close position")
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

// ListHistory returns an actor's positions, open and closed.
// GET /api/positions/history?actor=...
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeError(w, http.StatusBadRequest, "actor query parameter required")
		return
	}

	positions, err := h.positions.ListHistory(r.Context(), actor, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list history failed",
			slog.String("actor", actor),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
