package gateway

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
)

// Canonical error type strings used in the wire envelope
// {"error": {"message": ..., "type": ..., "details": ...}}.
const (
	ErrTypeInvalidRequest     = "invalid_request_error"
	ErrTypeAuthentication     = "authentication_error"
	ErrTypeBudgetExceeded     = "budget_exceeded"
	ErrTypeRateLimit          = "rate_limit_error"
	ErrTypeNotFound           = "not_found"
	ErrTypeAllProvidersFailed = "all_providers_failed"
	ErrTypeServerError        = "server_error"
)

// Error is a gateway error carried to the HTTP layer. It maps onto the wire
// envelope and an HTTP status via StatusCode.
type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Details any    `json:"details,omitempty"`

	// RetryAfterMs, when > 0, is surfaced as a Retry-After header.
	RetryAfterMs int `json:"-"`
}

func (e *Error) Error() string { return e.Message }

// StatusCode returns the HTTP status for the error's canonical type.
func (e *Error) StatusCode() int {
	switch e.Type {
	case ErrTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrTypeAuthentication:
		return http.StatusUnauthorized
	case ErrTypeBudgetExceeded:
		return http.StatusPaymentRequired
	case ErrTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrTypeNotFound:
		return http.StatusNotFound
	case ErrTypeAllProvidersFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds an *Error with the given type and message.
func NewError(errType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// WriteError writes the wire envelope for e, including a Retry-After header
// (in whole seconds, rounded up) when set.
func WriteError(w http.ResponseWriter, e *Error) {
	WriteErrorStatus(w, e, e.StatusCode())
}

// WriteErrorStatus writes the envelope with an explicit HTTP status.
func WriteErrorStatus(w http.ResponseWriter, e *Error, status int) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfterMs > 0 {
		secs := int(math.Ceil(float64(e.RetryAfterMs) / 1000.0))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]*Error{"error": e})
}
