package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/hermod/broker"
	"github.com/jmcleod/hermod/keys"
	"github.com/jmcleod/hermod/mail"
	"github.com/jmcleod/hermod/store"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many login attempts for this address; try again later")
	case errors.Is(err, broker.ErrSessionNotFound), errors.Is(err, broker.ErrCodeMismatch):
		// One message for both: the response must not reveal which half
		// of the link/inbox check failed.
		writeError(w, http.StatusBadRequest, "confirmation link is invalid or has expired; request a new email")
	case errors.Is(err, mail.ErrDelivery):
		writeError(w, http.StatusServiceUnavailable, "could not send the confirmation email; try again")
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, keys.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable; try again")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
