package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collarlabs/collard/internal/domain"
)

// callerHeader carries the acting account's address. The API is an operator
// surface, not an authentication layer; the header states who the operation
// is performed as.
const callerHeader = "X-Collar-Account"

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps domain errors to HTTP status codes and writes the
// error's own message, which is already safe for clients.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrPairNotAllowed),
		errors.Is(err, domain.ErrInvalidOffer):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotExpired),
		errors.Is(err, domain.ErrAlreadySettled),
		errors.Is(err, domain.ErrNotSettled),
		errors.Is(err, domain.ErrNothingToClaim),
		errors.Is(err, domain.ErrOfferInactive),
		errors.Is(err, domain.ErrOfferExpired),
		errors.Is(err, domain.ErrPriceOutOfRange),
		errors.Is(err, domain.ErrSlippage),
		errors.Is(err, domain.ErrInsufficientFunds):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

// callerAddress extracts and validates the acting account from the request
// header. ok is false when the header is missing or malformed; the error
// response has already been written in that case.
func callerAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.Header.Get(callerHeader)
	if raw == "" {
		writeError(w, http.StatusBadRequest, callerHeader+" header required")
		return common.Address{}, false
	}
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, callerHeader+" is not a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// pathID extracts a numeric {id} path parameter using Go 1.22+ built-in
// routing (http.Request.PathValue).
func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// parseBig parses a decimal big integer from an API field.
func parseBig(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	n, ok := new(big.Int).SetString(s, 10)
	return n, ok
}

// bigStr renders a big integer for JSON; nil becomes "0".
func bigStr(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// positionJSON is the wire shape of a position. Big integers render as
// decimal strings so clients never lose precision.
type positionJSON struct {
	ID                  uint64 `json:"id"`
	Underlying          string `json:"underlying"`
	Cash                string `json:"cash"`
	ProviderContract    string `json:"provider_contract"`
	ProviderPositionID  uint64 `json:"provider_position_id"`
	StartPrice          string `json:"start_price"`
	PutStrikeBIPS       int64  `json:"put_strike_bips"`
	CallStrikeBIPS      int64  `json:"call_strike_bips"`
	TakerLocked         string `json:"taker_locked"`
	ProviderLocked      string `json:"provider_locked"`
	OpenedAt            string `json:"opened_at"`
	Expiration          string `json:"expiration"`
	Settled             bool   `json:"settled"`
	UsedHistoricalPrice bool   `json:"used_historical_price"`
	Withdrawable        string `json:"withdrawable"`
	Withdrawn           bool   `json:"withdrawn"`
}

func toPositionJSON(p domain.Position) positionJSON {
	return positionJSON{
		ID:                  p.ID,
		Underlying:          p.Pair.Underlying.Hex(),
		Cash:                p.Pair.Cash.Hex(),
		ProviderContract:    p.Provider.Contract.Hex(),
		ProviderPositionID:  p.Provider.PositionID,
		StartPrice:          bigStr(p.StartPrice),
		PutStrikeBIPS:       p.PutStrikeBIPS,
		CallStrikeBIPS:      p.CallStrikeBIPS,
		TakerLocked:         bigStr(p.TakerLocked),
		ProviderLocked:      bigStr(p.ProviderLocked),
		OpenedAt:            p.OpenedAt.UTC().Format(time.RFC3339),
		Expiration:          p.Expiration.UTC().Format(time.RFC3339),
		Settled:             p.Settled,
		UsedHistoricalPrice: p.UsedHistoricalPrice,
		Withdrawable:        bigStr(p.Withdrawable),
		Withdrawn:           p.Withdrawn,
	}
}

// rollOfferJSON is the wire shape of a roll offer.
type rollOfferJSON struct {
	ID                 uint64 `json:"id"`
	TakerID            uint64 `json:"taker_id"`
	FeeAmount          string `json:"fee_amount"`
	FeeDeltaFactorBIPS int64  `json:"fee_delta_factor_bips"`
	FeeReferencePrice  string `json:"fee_reference_price"`
	MinPrice           string `json:"min_price"`
	MaxPrice           string `json:"max_price"`
	MinToProvider      string `json:"min_to_provider"`
	Deadline           string `json:"deadline"`
	Provider           string `json:"provider"`
	Active             bool   `json:"active"`
	CreatedAt          string `json:"created_at"`
}

func toRollOfferJSON(o domain.RollOffer) rollOfferJSON {
	return rollOfferJSON{
		ID:                 o.ID,
		TakerID:            o.TakerID,
		FeeAmount:          bigStr(o.FeeAmount),
		FeeDeltaFactorBIPS: o.FeeDeltaFactorBIPS,
		FeeReferencePrice:  bigStr(o.FeeReferencePrice),
		MinPrice:           bigStr(o.MinPrice),
		MaxPrice:           bigStr(o.MaxPrice),
		MinToProvider:      bigStr(o.MinToProvider),
		Deadline:           o.Deadline.UTC().Format(time.RFC3339),
		Provider:           o.Provider.Hex(),
		Active:             o.Active,
		CreatedAt:          o.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// nowUTC is the reference time used by read endpoints.
func nowUTC() time.Time {
	return time.Now().UTC()
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
