// Package apperr defines the error taxonomy shared by the HTTP client, retry,
// and circuit breaker components: a fixed set of error kinds plus
// classification helpers that decide how each kind propagates.
package apperr

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind enumerates the error taxonomy. Kinds are compared by value, not by
// type, so wrapped errors still classify correctly through errors.As.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindRateLimited
	KindCircuitOpen
	KindHTTPStatus
	KindParse
	KindValidation
	KindNotFound
	KindCancelled
	KindMaxRetriesExceeded
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimited:
		return "rate_limited"
	case KindCircuitOpen:
		return "circuit_open"
	case KindHTTPStatus:
		return "http_status"
	case KindParse:
		return "parse"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindCancelled:
		return "cancelled"
	case KindMaxRetriesExceeded:
		return "max_retries_exceeded"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried through the system. It wraps an
// optional underlying cause and, for HTTP-status errors, the status code.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatus constructs an Error for a non-2xx HTTP response.
func HTTPStatus(statusCode int, message string) *Error {
	return &Error{Kind: KindHTTPStatus, Message: message, StatusCode: statusCode}
}

// KindOf extracts the Kind from err, or KindUnknown if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err should be retried: transport failures
// (including plain net.Error values) and HTTP 408/429/500/502/503/504. Other
// statuses and every other kind, KindRateLimited included, are not retryable.
func Retryable(err error) bool {
	var appErr *Error
	if !errors.As(err, &appErr) {
		var netErr net.Error
		return errors.As(err, &netErr)
	}
	switch appErr.Kind {
	case KindTransport:
		return true
	case KindHTTPStatus:
		return retryableStatus(appErr.StatusCode)
	default:
		return false
	}
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
