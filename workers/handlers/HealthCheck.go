package handlers

import (
	"net/http"
)

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	responseJSON(w, &APIResponse{
		Status: "ok",
	}, http.StatusOK)
}
