// Package errors provides the structured error taxonomy used across the
// bridge, with errors.Is/As support and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for metrics and containment
// decisions.
type ErrorType string

const (
	// TypeValidation indicates an invalid command shape or device name,
	// rejected at the bridge before any upstream call.
	TypeValidation ErrorType = "validation"
	// TypeParse indicates a malformed inbound message, dropped and logged.
	TypeParse ErrorType = "parse"
	// TypeTransport indicates an upstream or session socket failure. Triggers
	// reconnect or unregister, never a process crash.
	TypeTransport ErrorType = "transport"
	// TypeRateLimited indicates the upstream rejected a write because it
	// arrived before the minimum allowed interval since the previous write.
	TypeRateLimited ErrorType = "rate_limited"
	// TypeUpstream indicates an explicit failure response from the upstream
	// API, surfaced as a typed result.
	TypeUpstream ErrorType = "upstream"
)

// Error is a structured error carrying its category and optional cause.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation, TypeParse:
		return http.StatusBadRequest
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeTransport, TypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ValidationError creates a new validation error.
func ValidationError(message string) *Error {
	return &Error{Type: TypeValidation, Message: message}
}

// ParseError creates a new parse error wrapping the decode failure.
func ParseError(message string, cause error) *Error {
	return &Error{Type: TypeParse, Message: message, Cause: cause}
}

// TransportError creates a new transport error.
func TransportError(message string, cause error) *Error {
	return &Error{Type: TypeTransport, Message: message, Cause: cause}
}

// RateLimitedError creates a new rate-limited error.
func RateLimitedError(message string) *Error {
	return &Error{Type: TypeRateLimited, Message: message}
}

// UpstreamError creates a new upstream rejection error.
func UpstreamError(message string, cause error) *Error {
	return &Error{Type: TypeUpstream, Message: message, Cause: cause}
}

// IsType reports whether err (or anything it wraps) is an *Error of the
// given type.
func IsType(err error, t ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}

// IsRateLimited reports whether err is a rate-limited outcome. Callers must
// treat it as retryable by the operator, not auto-retried.
func IsRateLimited(err error) bool {
	return IsType(err, TypeRateLimited)
}
