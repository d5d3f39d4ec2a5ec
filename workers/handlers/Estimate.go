package handlers

import (
	"net/http"

	"goxbridge/estimator"
)

func (h *Handlers) Estimate(w http.ResponseWriter, r *http.Request) {
	var req estimator.Request
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error(), "")
		return
	}
	if req.Source == "" || req.Destination == "" {
		badRequest(w, "sourceChain and destinationChain are required", "sourceChain")
		return
	}

	est, err := h.estimates.Estimate(r.Context(), req)
	if err != nil {
		h.log.Warn().Err(err).Str("source", req.Source).Str("destination", req.Destination).Msg("estimate failed")
		responseError(w, err)
		return
	}
	responseJSON(w, est, http.StatusOK)
}
