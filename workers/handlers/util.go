package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"goxbridge/types"
)

// request bodies are small JSON documents
const maxBody = 1 << 16

func responseJSON(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func readJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return fmt.Errorf("error reading request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("cannot unmarshal input JSON: %w", err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, message, field string) {
	responseJSON(w, &APIResponse{
		Status:  "error",
		Message: message,
		Field:   field,
		Code:    string(types.CodeInvalidRequest),
	}, http.StatusBadRequest)
}

// statusOf maps domain errors to HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, types.ErrTransferNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrNotCancellable), errors.Is(err, types.ErrTerminal):
		return http.StatusConflict
	}
	switch types.CodeOf(err, "") {
	case types.CodeInvalidAmount, types.CodeInvalidRequest:
		return http.StatusBadRequest
	case types.CodeRouteNotSupported:
		return http.StatusUnprocessableEntity
	case types.CodeConnectorUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func responseError(w http.ResponseWriter, err error) {
	responseJSON(w, &APIResponse{
		Status:  "error",
		Message: err.Error(),
		Code:    string(types.CodeOf(err, "")),
	}, statusOf(err))
}
