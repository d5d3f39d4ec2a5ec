package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"

	"goxbridge/ledger"
	"goxbridge/types"
)

const maxListLimit = 500

func (h *Handlers) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.transfers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		responseError(w, err)
		return
	}
	responseJSON(w, t, http.StatusOK)
}

// GetTransfers lists history newest first,
// filtered by ?status=a,b&sender=&source=&destination=&limit=
func (h *Handlers) GetTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		Sender:      q.Get("sender"),
		Source:      q.Get("source"),
		Destination: q.Get("destination"),
		Limit:       100,
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			status := types.Status(strings.TrimSpace(s))
			if !status.Valid() {
				badRequest(w, "unknown status "+string(status), "status")
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			badRequest(w, "limit must be a positive integer", "limit")
			return
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		f.Limit = limit
	}

	ts, err := h.transfers.List(r.Context(), f)
	if err != nil {
		responseError(w, err)
		return
	}
	if ts == nil {
		ts = []*types.Transfer{}
	}
	responseJSON(w, ts, http.StatusOK)
}
