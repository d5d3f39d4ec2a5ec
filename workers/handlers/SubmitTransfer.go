package handlers

import (
	"net/http"

	"goxbridge/transfer"
)

// SubmitTransfer creates a transfer; the response carries the created record
// and the pipeline runs in the background.
func (h *Handlers) SubmitTransfer(w http.ResponseWriter, r *http.Request) {
	var req transfer.Request
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error(), "")
		return
	}
	if req.Sender == "" {
		badRequest(w, "No sender address provided", "senderAddress")
		return
	}
	if req.Recipient == "" {
		badRequest(w, "No recipient address provided", "recipientAddress")
		return
	}

	t, err := h.transfers.CreateTransfer(r.Context(), req)
	if err != nil {
		h.log.Warn().Err(err).Str("source", req.Source).Str("destination", req.Destination).Msg("transfer rejected")
		responseError(w, err)
		return
	}
	responseJSON(w, t, http.StatusCreated)
}
