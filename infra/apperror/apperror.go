// Package apperror defines the error kinds shared by the services and the
// HTTP layer. Services return typed errors; handlers map the kind to a status
// code and a client message through the response package.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for transport mapping
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindAuthorization     Kind = "authorization"
	KindRateLimit         Kind = "rate_limit"
	KindSecurityViolation Kind = "security_violation"
	KindUpstream          Kind = "upstream"
	KindTimeout           Kind = "timeout"
	KindReplay            Kind = "replay"
	KindNotFound          Kind = "not_found"
	KindUnavailable       Kind = "unavailable"
	KindInternal          Kind = "internal"
)

// Error is a classified application error
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors of the same kind and code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code && t.Err == nil
}

// New creates an error of the given kind
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a kind and code to an underlying error
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// RateLimited builds a rate limit error carrying the retry hint
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Code:       "rate_limited",
		Message:    "Too many requests",
		RetryAfter: retryAfter,
	}
}

// As extracts the *Error from a chain
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for unclassified errors
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to its response status
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindAuthorization, KindSecurityViolation:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindReplay:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a client. Validation
// messages are precise; security relevant kinds only get a generic text.
func PublicMessage(err error) string {
	appErr, ok := As(err)
	if !ok {
		return "Internal server error"
	}
	switch appErr.Kind {
	case KindValidation, KindNotFound:
		if appErr.Message != "" {
			return appErr.Message
		}
		return "Invalid request"
	case KindAuth:
		return "Unauthorized"
	case KindAuthorization, KindSecurityViolation:
		return "Forbidden"
	case KindRateLimit:
		return "Too many requests"
	case KindUpstream:
		return "Payment provider error"
	case KindTimeout:
		return "Payment provider timeout"
	case KindUnavailable:
		return "Service unavailable"
	case KindReplay:
		return "Already processed"
	default:
		return "Internal server error"
	}
}
