package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/papertrade/leverd/internal/domain"
	"github.com/papertrade/leverd/internal/service"
)

// LedgerService defines the methods that the trade handler requires.
type LedgerService interface {
	ListByActor(ctx context.Context, actor string, opts domain.ListOpts) ([]domain.TradeRecord, error)
	Summarize(ctx context.Context, actor string, since time.Time) (service.Summary, error)
}

// TradeHandler serves settled-trade HTTP endpoints.
type TradeHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler with the given service and logger.
func NewTradeHandler(ledger LedgerService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		ledger: ledger,
		logger: logger,
	}
}

// listTradesResponse wraps the list trades response.
type listTradesResponse struct {
	Trades []domain.TradeRecord `json:"trades"`
}

// ListTrades returns an actor's settled trades.
// GET /api/trades?actor=...
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeError(w, http.StatusBadRequest, "actor query parameter required")
		return
	}

	trades, err := h.ledger.ListByActor(r.Context(), actor, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("actor", actor),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	if trades == nil {
		trades = []domain.TradeRecord{}
	}

	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

// Summary returns aggregate performance for an actor over a window.
// GET /api/trades/summary?actor=...&since=RFC3339
func (h *TradeHandler) Summary(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeError(w, http.StatusBadRequest, "actor query parameter required")
		return
	}

	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = t
	}

	summary, err := h.ledger.Summarize(r.Context(), actor, since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: trade summary failed",
			slog.String("actor", actor),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to summarize trades")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
