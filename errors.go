package oidc

import (
	"fmt"
	"net/http"

	"github.com/giantswarm/oidc-engine/validation"
)

// Error codes produced by the endpoint layer itself. Protocol validation codes
// are defined in the validation package.
const (
	ErrorCodeServerError            = "server_error"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
	ErrorCodeRateLimitExceeded      = "rate_limit_exceeded"

	errorDescriptionInternalFailure = "An internal error occurred"
)

// Error represents an OAuth 2.0 / OpenID Connect error response
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new protocol error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// FromValidationError converts a validation failure into an endpoint error with
// the HTTP status its code maps to.
func FromValidationError(perr *validation.Error) *Error {
	if perr == nil {
		return nil
	}
	return NewError(perr.Code, perr.Description, StatusForCode(perr.Code))
}

// StatusForCode returns the HTTP status an error code is reported with.
// invalid_client is 401, rate limiting 429, server errors 500 and every
// other protocol error 400.
func StatusForCode(code string) int {
	switch code {
	case validation.ErrorInvalidClient, validation.ErrorInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	case ErrorCodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// Common errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(validation.ErrorInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *Error {
		return NewError(validation.ErrorInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrUnauthorizedClient indicates the client may not use the endpoint or grant
	ErrUnauthorizedClient = func(desc string) *Error {
		return NewError(validation.ErrorUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred. The description
	// never carries the underlying cause.
	ErrServerError = func() *Error {
		return NewError(ErrorCodeServerError, errorDescriptionInternalFailure, http.StatusInternalServerError)
	}

	// ErrRateLimitExceeded indicates the caller exceeded its request budget
	ErrRateLimitExceeded = func() *Error {
		return NewError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	}
)
