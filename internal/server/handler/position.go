package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collarlabs/collard/internal/domain"
	"github.com/collarlabs/collard/internal/engine"
)

// PositionHandler serves the paired-position lifecycle endpoints.
type PositionHandler struct {
	engine    *engine.Engine
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(eng *engine.Engine, positions domain.PositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		engine:    eng,
		positions: positions,
		logger:    logHandler(logger, "position"),
	}
}

// openRequest is the JSON body for opening a position.
type openRequest struct {
	Underlying       string `json:"underlying"`
	Cash             string `json:"cash"`
	TakerLocked      string `json:"taker_locked"`
	ProviderContract string `json:"provider_contract"`
	OfferID          uint64 `json:"offer_id"`
}

// Open opens a new paired position against a provider offer.
// POST /api/positions
func (h *PositionHandler) Open(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}

	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !common.IsHexAddress(req.Underlying) || !common.IsHexAddress(req.Cash) {
		writeError(w, http.StatusBadRequest, "underlying and cash must be hex addresses")
		return
	}
	if !common.IsHexAddress(req.ProviderContract) {
		writeError(w, http.StatusBadRequest, "provider_contract must be a hex address")
		return
	}
	takerLocked, okAmt := parseBig(req.TakerLocked)
	if !okAmt {
		writeError(w, http.StatusBadRequest, "taker_locked must be a decimal integer")
		return
	}

	pos, err := h.engine.OpenPosition(r.Context(), caller, engine.OpenRequest{
		Pair: domain.AssetPair{
			Underlying: common.HexToAddress(req.Underlying),
			Cash:       common.HexToAddress(req.Cash),
		},
		TakerLocked:      takerLocked,
		ProviderContract: common.HexToAddress(req.ProviderContract),
		OfferID:          req.OfferID,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "open position failed",
			slog.String("caller", caller.Hex()),
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPositionJSON(pos))
}

// Get returns one position by id.
// GET /api/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	pos, err := h.positions.GetByID(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

// Settle settles an expired position at the oracle price.
// POST /api/positions/{id}/settle
func (h *PositionHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	takerBalance, usedHistorical, err := h.engine.SettlePosition(r.Context(), id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "settle failed",
			slog.Uint64("position_id", id),
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position_id":           id,
		"taker_balance":         bigStr(takerBalance),
		"used_historical_price": usedHistorical,
	})
}

// Cancel cancels an unsettled position; the caller must hold both sides.
// POST /api/positions/{id}/cancel
func (h *PositionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	returned, err := h.engine.CancelPosition(r.Context(), caller, id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "cancel failed",
			slog.Uint64("position_id", id),
			slog.String("caller", caller.Hex()),
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position_id": id,
		"returned":    bigStr(returned),
	})
}

// Withdraw claims the settled balance of a position for its holder.
// POST /api/positions/{id}/withdraw
func (h *PositionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	amount, err := h.engine.Withdraw(r.Context(), caller, id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "withdraw failed",
			slog.Uint64("position_id", id),
			slog.String("caller", caller.Hex()),
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position_id": id,
		"amount":      bigStr(amount),
	})
}

// PreviewSettlement computes the hypothetical settlement split at a price
// supplied by the caller, without touching state.
// GET /api/positions/{id}/preview?price=N
func (h *PositionHandler) PreviewSettlement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	price, okPrice := parseBig(r.URL.Query().Get("price"))
	if !okPrice || price.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "price query parameter must be a positive decimal integer")
		return
	}

	takerBalance, providerDelta, err := h.engine.PreviewSettlement(r.Context(), id, price)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position_id":    id,
		"price":          price.String(),
		"taker_balance":  bigStr(takerBalance),
		"provider_delta": bigStr(providerDelta),
	})
}

// ListExpired returns expired positions awaiting settlement.
// GET /api/positions/expired
func (h *PositionHandler) ListExpired(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListExpiredUnsettled(r.Context(), nowUTC(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list expired failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	out := make([]positionJSON, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}
