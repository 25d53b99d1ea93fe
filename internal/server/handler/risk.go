package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/papertrade/leverd/internal/domain"
	"github.com/papertrade/leverd/internal/risk"
)

// RiskHandler quotes risk parameters for a prospective position without
// opening it.
type RiskHandler struct {
	validator *risk.Validator
	logger    *slog.Logger
}

// NewRiskHandler creates a RiskHandler with the given validator.
func NewRiskHandler(validator *risk.Validator, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{
		validator: validator,
		logger:    logger,
	}
}

// riskPreviewRequest mirrors openPositionRequest minus the actor.
type riskPreviewRequest struct {
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	SizeUSD       float64  `json:"size_usd"`
	CollateralUSD float64  `json:"collateral_usd"`
	Leverage      float64  `json:"leverage"`
	EntryPrice    float64  `json:"entry_price"`
	TakeProfit    *float64 `json:"take_profit"`
	StopLoss      *float64 `json:"stop_loss"`
}

// riskPreviewResponse is the quoted admission outcome.
type riskPreviewResponse struct {
	Risk               domain.RiskSnapshot `json:"risk"`
	SizeUSD            float64             `json:"size_usd"`
	CollateralUSD      float64             `json:"collateral_usd"`
	RequiredCollateral float64             `json:"required_collateral"`
	MaxPositionSize    float64             `json:"max_position_size"`
}

// Preview runs the full admission pipeline on the request and returns the
// risk snapshot that an identical open would produce. Nothing is persisted.
// POST /api/risk/preview
func (h *RiskHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req riskPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pos, err := h.validator.NewPosition(domain.OpenRequest{
		Actor:         "preview",
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
		if errors.Is(err, domain.ErrInvalidPosition) ||
			errors.Is(err, domain.ErrInvalidPrice) ||
			errors.Is(err, domain.ErrUnknownSymbol) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: risk preview failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to quote risk")
		return
	}

	writeJSON(w, http.StatusOK, riskPreviewResponse{
		Risk:               pos.Risk,
		SizeUSD:            pos.SizeUSD,
		CollateralUSD:      pos.CollateralUSD,
		RequiredCollateral: risk.RequiredCollateral(pos.SizeUSD, pos.Leverage),
		MaxPositionSize:    risk.MaxPositionSize(pos.CollateralUSD, pos.Leverage),
	})
}
