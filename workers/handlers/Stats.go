package handlers

import (
	"net/http"
)

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.transfers.Stats(r.Context())
	if err != nil {
		responseError(w, err)
		return
	}
	responseJSON(w, stats, http.StatusOK)
}
