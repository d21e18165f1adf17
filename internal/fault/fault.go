// Package fault defines the stable error codes shared by the HTTP API and
// the agent wire protocol. Every user-visible failure in the gateway is
// expressed as a *fault.Error so handlers can map it to an HTTP status and
// a machine-readable code without string matching.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable failure code. The string values are
// part of the public API surface and must never change.
type Code string

const (
	// CodeAgentUnreachable means the target agent has no live session, its
	// send buffer is full, or its session was torn down mid-request.
	CodeAgentUnreachable Code = "agent_unreachable"

	// CodeTimeout means an agent round-trip exceeded its deadline.
	CodeTimeout Code = "timeout"

	// CodeUnauthorized means the caller's credentials were missing or invalid.
	CodeUnauthorized Code = "unauthorized"

	// CodeNotFound means the referenced resource does not exist or is not
	// owned by the caller.
	CodeNotFound Code = "not_found"

	// CodeUnsafeQuery means generated SQL matched the destructive-verb
	// denylist and was never dispatched.
	CodeUnsafeQuery Code = "unsafe_query"

	// CodeTooLarge means an uploaded file exceeded a size cap.
	CodeTooLarge Code = "too_large"

	// CodeNoDataSource means a query request named neither a connection nor
	// an uploaded file.
	CodeNoDataSource Code = "no_data_source"

	// CodeLLMTimeout means the external LLM did not answer within its
	// independent deadline.
	CodeLLMTimeout Code = "llm_timeout"

	// CodeShutdown means the gateway is shutting down and rejected or
	// cancelled the operation.
	CodeShutdown Code = "shutdown"

	// CodeSuperseded means an agent session was displaced by a newer
	// authenticated session for the same agent.
	CodeSuperseded Code = "superseded"

	// CodeInternal is the fallback for unexpected server-side failures.
	CodeInternal Code = "internal"
)

// Error is a failure with a stable code and a human-readable message.
// Message may quote text produced by the LLM but never raw stack traces.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records err as its cause. The cause is
// reachable via errors.Unwrap but is never rendered to clients.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the stable code from an error chain. Errors that are not
// *fault.Error (or wrap one) report CodeInternal.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// MessageOf extracts the user-visible message from an error chain, falling
// back to a generic message for non-fault errors so internal details are
// never leaked.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "an internal error occurred"
}

// HTTPStatus maps a code to the HTTP status used by the REST surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnsafeQuery:
		return http.StatusUnprocessableEntity
	case CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeNoDataSource:
		return http.StatusBadRequest
	case CodeTimeout, CodeLLMTimeout:
		return http.StatusGatewayTimeout
	case CodeAgentUnreachable, CodeShutdown:
		return http.StatusServiceUnavailable
	case CodeSuperseded:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
