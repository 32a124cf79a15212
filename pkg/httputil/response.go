// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing, including the
// mapping from the engine's error taxonomy to status codes.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/propwise/accessd/pkg/access"
	"github.com/propwise/accessd/pkg/invitations"
	"github.com/propwise/accessd/pkg/membership"
	"github.com/propwise/accessd/pkg/roles"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteInternalError writes an internal server error response (500)
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteErrorMessage(w, http.StatusInternalServerError, err.Error())
}

// WriteEngineError translates the engine's error kinds into HTTP status
// codes so the front end can render "you don't have permission" and "this
// invitation has expired" distinctly.
func WriteEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, membership.ErrForbidden):
		WriteErrorMessage(w, http.StatusForbidden, "you don't have permission to do that")
	case errors.Is(err, membership.ErrNotFound):
		WriteErrorMessage(w, http.StatusNotFound, "membership not found")
	case errors.Is(err, invitations.ErrInvitationNotFound):
		WriteErrorMessage(w, http.StatusNotFound, "invitation not found")
	case errors.Is(err, access.ErrUnknownResource):
		WriteErrorMessage(w, http.StatusNotFound, "unknown resource")
	case errors.Is(err, membership.ErrDuplicateActiveMembership):
		WriteErrorMessage(w, http.StatusConflict, "an active membership already exists for this user")
	case errors.Is(err, invitations.ErrInvitationAlreadyResolved):
		WriteErrorMessage(w, http.StatusConflict, "this invitation has already been resolved")
	case errors.Is(err, invitations.ErrInvitationExpired):
		WriteErrorMessage(w, http.StatusGone, "this invitation has expired")
	case errors.Is(err, roles.ErrInvalidRole):
		WriteErrorMessage(w, http.StatusBadRequest, "unknown role")
	case errors.Is(err, membership.ErrUnavailable):
		// transient; the client may retry
		w.Header().Set("Retry-After", "1")
		WriteErrorMessage(w, http.StatusServiceUnavailable, "temporarily unavailable, retry shortly")
	default:
		WriteInternalError(w, err)
	}
}
