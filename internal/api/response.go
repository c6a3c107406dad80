// Package api implements the control-plane HTTP surface: robot fleet
// management, job submission and inspection, API key lifecycle, the audit
// trail, live event streaming, and the robot channel endpoint itself. Chi
// routes everything under /api/v1; bearer-token auth covers every route
// except the token exchange and the health probe.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// Accepted writes a 202 Accepted response, used for commands that complete
// asynchronously on the robot.
func Accepted(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusAccepted, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes a JSON error response. Code is a machine-readable string
// (e.g. "not_found", "robot_offline") for client-side branching.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

// ErrForbidden writes a 403 Forbidden error response.
func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "insufficient permissions", "forbidden")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrConflict writes a 409 Conflict error response.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrGone writes a 410 Gone error response, used for operations against jobs
// that already reached a terminal state.
func ErrGone(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusGone, message, "gone")
}

// ErrUnprocessable writes a 422 response for well-formed requests that fail
// business validation.
func ErrUnprocessable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnprocessableEntity, message, "validation_error")
}

// ErrStoreUnavailable writes a 503 when the storage backend cannot serve the
// request. Distinct from robot_offline so clients can tell the two apart.
func ErrStoreUnavailable(w http.ResponseWriter) {
	errJSON(w, http.StatusServiceUnavailable, "storage backend unavailable", "unavailable")
}

// ErrRobotOffline writes a 503 for operations that need a live robot channel.
func ErrRobotOffline(w http.ResponseWriter) {
	errJSON(w, http.StatusServiceUnavailable, "robot is not connected", "robot_offline")
}

// ErrInternal writes a 500 Internal Server Error response. The internal
// error detail is never exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<20) // workflow definitions can be large
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
