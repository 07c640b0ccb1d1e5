package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind is the stable taxonomy every failure is translated into before
// it crosses a package boundary. Provider-specific errors never escape the
// adapter layer.
type ErrorKind string

const (
	KindProviderError       ErrorKind = "PROVIDER_ERROR"
	KindRateLimited         ErrorKind = "RATE_LIMITED"
	KindInvalidRequest      ErrorKind = "INVALID_REQUEST"
	KindModelUnavailable    ErrorKind = "MODEL_UNAVAILABLE"
	KindTimeout             ErrorKind = "TIMEOUT"
	KindWalletNotFound      ErrorKind = "WALLET_NOT_FOUND"
	KindInsufficientCredits ErrorKind = "INSUFFICIENT_CREDITS"
	KindPlanLimitExceeded   ErrorKind = "PLAN_LIMIT_EXCEEDED"
	KindCircuitOpen         ErrorKind = "CIRCUIT_OPEN"
)

// Error is the gateway's typed error. Callers branch on Kind; Status is the
// HTTP analogue used at the API boundary.
type Error struct {
	Kind       ErrorKind
	Message    string
	Status     int
	Details    map[string]any
	RetryAfter time.Duration
	wrapped    error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewError builds a typed error for the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Status: statusFor(kind)}
}

// WrapError builds a typed error that wraps an underlying cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Status: statusFor(kind), wrapped: cause}
}

// WithDetails attaches structured detail fields.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithRetryAfter attaches the wait hint used by CIRCUIT_OPEN and
// RATE_LIMITED errors.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the taxonomy kind of err, or PROVIDER_ERROR when err is
// not a typed gateway error.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindProviderError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == kind
}

func statusFor(kind ErrorKind) int {
	switch kind {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindModelUnavailable:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindWalletNotFound:
		return http.StatusNotFound
	case KindInsufficientCredits, KindPlanLimitExceeded:
		return http.StatusPaymentRequired
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
