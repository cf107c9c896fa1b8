// Package apierror centralizes the §7 error taxonomy into constructors
// that carry their own HTTP status, so route handlers translate errors to
// responses uniformly instead of each picking a status ad hoc.
//
// Grounded on the response shape already implicit in the teacher's gin
// handlers (`c.JSON(status, gin.H{"error": ...})`); promoted here into a
// typed error so it can travel up through service-layer return values
// before a handler ever sees it.
package apierror

import "net/http"

// Error is a typed API error carrying the HTTP status it should render as.
type Error struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return e.Message
}

func newError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// Validation wraps a client-mistake error (malformed body, unknown field) —
// never mutates state, spec §7.
func Validation(message string) *Error {
	return newError(http.StatusBadRequest, message)
}

// Precondition wraps an operator-must-fix error (backup root unset, agent
// not connected, remote path missing) — spec §7.
func Precondition(status int, message string) *Error {
	if status == 0 {
		status = http.StatusPreconditionFailed
	}
	return newError(status, message)
}

// Conflict wraps a conflict error (job already running, duplicate
// registration, unique-path collision) — 409, spec §7.
func Conflict(message string) *Error {
	return newError(http.StatusConflict, message)
}

// NotFound wraps an unknown-id error.
func NotFound(message string) *Error {
	return newError(http.StatusNotFound, message)
}

// Unavailable wraps a transient dependency error (agent not connected for
// an RPC-backed route) — 503, spec §7.
func Unavailable(message string) *Error {
	return newError(http.StatusServiceUnavailable, message)
}

// Internal wraps a durability/unexpected error — never swallowed, spec §7.
func Internal(message string) *Error {
	return newError(http.StatusInternalServerError, message)
}
