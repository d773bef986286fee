package handler

import (
	"net/http"

	"github.com/collarlabs/collard/internal/domain"
)

// StatusHandler serves the daemon's run mode and position count.
type StatusHandler struct {
	Mode      string
	positions domain.PositionStore
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, positions domain.PositionStore) *StatusHandler {
	return &StatusHandler{Mode: mode, positions: positions}
}

// GetStatus responds with the current mode and total position count.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	count, err := h.positions.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count positions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":      h.Mode,
		"positions": count,
	})
}
