package handlers

import (
	"net/http"
)

// GetNetwork serves the cached samples, sampling once if none were taken yet
func (h *Handlers) GetNetwork(w http.ResponseWriter, r *http.Request) {
	latest := h.network.Latest()
	if len(latest) == 0 {
		latest = h.network.Sample(r.Context())
	}
	responseJSON(w, latest, http.StatusOK)
}
