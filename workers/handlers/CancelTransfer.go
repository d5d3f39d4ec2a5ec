package handlers

import (
	"net/http"

	"github.com/go-chi/chi"
)

func (h *Handlers) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.transfers.CancelTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		responseError(w, err)
		return
	}
	responseJSON(w, t, http.StatusOK)
}
