// Package api implements the HTTP REST layer of the gateway. It uses chi
// as the router and exposes all resources under /api/v1, plus the agent
// and status WebSocket endpoints and the Prometheus metrics handler.
// Authentication is enforced via bearer-token middleware on all routes
// except the public ones.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/custard-io/custard/internal/fault"
)

// envelope is the standard JSON response wrapper. Successful responses
// wrap the payload in a "data" key; error responses use an "error" key
// with a stable machine-readable code and a human-readable message.
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

// Created writes a 201 Created response with the payload wrapped in
// {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
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

// errJSON writes a JSON error response with the given status, message and
// code.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{Message: message, Code: code},
	})
}

// ErrFault maps a *fault.Error (or any error) onto the HTTP response. The
// stable code travels in the body so the UI can distinguish "agent
// offline" from "bad query" from "server busy" without parsing messages.
func ErrFault(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	errJSON(w, code.HTTPStatus(), fault.MessageOf(err), string(code))
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", string(fault.CodeUnauthorized))
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", string(fault.CodeNotFound))
}

// ErrInternal writes a 500 Internal Server Error response. The concrete
// error is never exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "internal server error", string(fault.CodeInternal))
}
