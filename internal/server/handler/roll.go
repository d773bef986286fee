package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/collarlabs/collard/internal/domain"
	"github.com/collarlabs/collard/internal/engine"
)

// RollHandler serves the roll-offer endpoints.
type RollHandler struct {
	engine *engine.Engine
	offers domain.RollOfferStore
	logger *slog.Logger
}

// NewRollHandler creates a RollHandler.
func NewRollHandler(eng *engine.Engine, offers domain.RollOfferStore, logger *slog.Logger) *RollHandler {
	return &RollHandler{
		engine: eng,
		offers: offers,
		logger: logHandler(logger, "roll"),
	}
}

// createRollRequest is the JSON body for creating a roll offer.
type createRollRequest struct {
	TakerID            uint64 `json:"taker_id"`
	FeeAmount          string `json:"fee_amount"`
	FeeDeltaFactorBIPS int64  `json:"fee_delta_factor_bips"`
	MinPrice           string `json:"min_price"`
	MaxPrice           string `json:"max_price"`
	MinToProvider      string `json:"min_to_provider"`
	Deadline           string `json:"deadline"` // RFC 3339
}

// Create posts a roll offer on a position; the caller must hold its provider
// side, which is escrowed until the offer is executed or cancelled.
// POST /api/rolls
func (h *RollHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}

	var req createRollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	feeAmount, okFee := parseBig(req.FeeAmount)
	if !okFee {
		writeError(w, http.StatusBadRequest, "fee_amount must be a decimal integer")
		return
	}
	minPrice, okMin := parseBig(req.MinPrice)
	maxPrice, okMax := parseBig(req.MaxPrice)
	minToProvider, okFloor := parseBig(req.MinToProvider)
	if !okMin || !okMax || !okFloor {
		writeError(w, http.StatusBadRequest, "min_price, max_price, and min_to_provider must be decimal integers")
		return
	}
	deadline, err := time.Parse(time.RFC3339, req.Deadline)
	if err != nil {
		writeError(w, http.StatusBadRequest, "deadline must be RFC 3339")
		return
	}

	offer, err := h.engine.CreateRollOffer(r.Context(), caller, engine.RollOfferRequest{
		TakerID:            req.TakerID,
		FeeAmount:          feeAmount,
		FeeDeltaFactorBIPS: req.FeeDeltaFactorBIPS,
		MinPrice:           minPrice,
		MaxPrice:           maxPrice,
		MinToProvider:      minToProvider,
		Deadline:           deadline,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "create roll offer failed",
			slog.Uint64("taker_id", req.TakerID),
			slog.String("caller", caller.Hex()),
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRollOfferJSON(offer))
}

// Get returns one roll offer by id.
// GET /api/rolls/{id}
func (h *RollHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	offer, err := h.offers.GetByID(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRollOfferJSON(offer))
}

// ListByTaker returns active roll offers on a position.
// GET /api/rolls?taker_id=N
func (h *RollHandler) ListByTaker(w http.ResponseWriter, r *http.Request) {
	takerID, okID := parseBig(r.URL.Query().Get("taker_id"))
	if !okID || !takerID.IsUint64() || takerID.Uint64() == 0 {
		writeError(w, http.StatusBadRequest, "taker_id query parameter required")
		return
	}

	offers, err := h.offers.ListActiveByTaker(r.Context(), takerID.Uint64())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list roll offers failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list roll offers")
		return
	}

	out := make([]rollOfferJSON, 0, len(offers))
	for _, o := range offers {
		out = append(out, toRollOfferJSON(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": out})
}

// Cancel deactivates an offer and returns the escrowed provider certificate
// to its creator.
// DELETE /api/rolls/{id}
func (h *RollHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	id, okID := pathID(w, r)
	if !okID {
		return
	}

	if err := h.engine.CancelRollOffer(r.Context(), caller, id); err != nil {
		h.logger.WarnContext(r.Context(), "cancel roll offer failed",
			slog.Uint64("roll_id", id),
			slog.String("caller", caller.Hex()),
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"roll_id": id, "cancelled": true})
}

// Preview computes the fund movements a roll would make at a hypothetical
// price. It applies no validity checks so callers can explore prices outside
// the offer's bounds.
// GET /api/rolls/{id}/preview?price=N
func (h *RollHandler) Preview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	price, okPrice := parseBig(r.URL.Query().Get("price"))
	if !okPrice || price.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "price query parameter must be a positive decimal integer")
		return
	}

	preview, err := h.engine.PreviewRoll(r.Context(), id, price)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"roll_id":             id,
		"price":               price.String(),
		"to_taker":            bigStr(preview.ToTaker),
		"to_provider":         bigStr(preview.ToProvider),
		"roll_fee":            bigStr(preview.RollFee),
		"new_taker_locked":    bigStr(preview.NewTakerLocked),
		"new_provider_locked": bigStr(preview.NewProviderLocked),
		"protocol_fee":        bigStr(preview.ProtocolFee),
		"taker_settled":       bigStr(preview.TakerSettled),
		"provider_settled":    bigStr(preview.ProviderSettled),
	})
}

// executeRollRequest is the JSON body for executing a roll offer.
type executeRollRequest struct {
	// MinToTaker, when set, is the taker's slippage floor on its payout.
	MinToTaker string `json:"min_to_taker"`
}

// Execute replaces the offer's position with a fresh one at the current
// oracle price; the caller must hold the taker certificate.
// POST /api/rolls/{id}/execute
func (h *RollHandler) Execute(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	id, okID := pathID(w, r)
	if !okID {
		return
	}

	var req executeRollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	minToTaker, okFloor := parseBig(req.MinToTaker)
	if req.MinToTaker != "" && !okFloor {
		writeError(w, http.StatusBadRequest, "min_to_taker must be a decimal integer")
		return
	}

	result, err := h.engine.ExecuteRoll(r.Context(), caller, id, minToTaker)
	if err != nil {
		h.logger.WarnContext(r.Context(), "execute roll failed",
			slog.Uint64("roll_id", id),
			slog.String("caller", caller.Hex()),
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"roll_id":                  id,
		"new_position_id":          result.NewPositionID,
		"new_provider_position_id": result.NewProviderPositionID,
		"to_taker":                 bigStr(result.ToTaker),
		"to_provider":              bigStr(result.ToProvider),
		"roll_fee":                 bigStr(result.RollFee),
	})
}
