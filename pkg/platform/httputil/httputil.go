// Package httputil writes JSON responses and maps infrastructure errors to
// HTTP status codes.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"pfexchange/pkg/platform/sentinel"
)

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type badRequestError struct {
	msg string
}

func (e badRequestError) Error() string { return e.msg }

// BadRequest marks err as caused by the client's input.
func BadRequest(msg string) error {
	return badRequestError{msg: msg}
}

// WriteJSON encodes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// WriteError translates err into a status code and a stable error code.
// Internal errors never leak their message.
func WriteError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	resp := errorResponse{Error: code}
	if status < http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		resp.ErrorDescription = err.Error()
	}
	WriteJSON(w, status, resp)
}

func classify(err error) (int, string) {
	var bad badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, sentinel.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, sentinel.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, sentinel.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
