package handlers

import (
	"net/http"

	"goxbridge/types"
)

// State summarizes the process: transfers being driven and chains answering
func (h *Handlers) State(w http.ResponseWriter, r *http.Request) {
	latest := h.network.Latest()
	online := 0
	for _, st := range latest {
		if st.Health != types.HealthOffline {
			online++
		}
	}
	responseJSON(w, &APIStateResponse{
		Status:          "ok",
		ActiveTransfers: len(h.transfers.Active()),
		ChainsOnline:    online,
		ChainsTotal:     len(latest),
	}, http.StatusOK)
}
