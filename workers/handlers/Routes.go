package handlers

import (
	"net/http"
)

func (h *Handlers) GetRoutes(w http.ResponseWriter, r *http.Request) {
	responseJSON(w, h.routes.List(), http.StatusOK)
}
