// Package api implements the conductor's HTTP layer: the operator REST
// surface plus the two WebSocket namespaces (/workers for agents, /operators
// for dashboards). Chi is the router; authentication is enforced via JWT
// middleware on everything except login and health.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/conductor-sh/conductor/internal/protocol"
)

// envelope is the standard JSON response wrapper for all API responses.
// Successful responses return the payload keys directly; error responses
// use an "error" key carrying a wire error code from the shared taxonomy.
//
// Error: {"error": {"message": "...", "code": "Unauthorized"}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// errJSON writes a JSON error response. code is one of the wire error codes
// shared with the streaming namespaces.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrValidation writes a 400 with the Validation code.
func ErrValidation(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, protocol.CodeValidation)
}

// ErrUnauthorized writes a 401 with the Unauthorized code.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", protocol.CodeUnauthorized)
}

// ErrNotFound writes a 404 with the NotFound code.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", protocol.CodeNotFound)
}

// ErrConflict writes a 409 with the Conflict code.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, protocol.CodeConflict)
}

// ErrInternal writes a 500. Internal detail stays in the logs.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", protocol.CodeInternal)
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// Validation error if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrValidation(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
