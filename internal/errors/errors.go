// Package errors classifies failures by origin so the HTTP layer can pick a
// status code and decide what a caller is allowed to see.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/revenue-tracker/internal/types"
)

// Kind is where a failure came from.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindRateLimit  Kind = "rate_limit"
	KindProvider   Kind = "provider" // ledger index, daemon or price feed
	KindDatabase   Kind = "database"
	KindInternal   Kind = "internal"
)

// Codes sent to API clients.
const (
	CodeInvalidParameter = "INVALID_PARAMETER"
	CodeNotFound         = "NOT_FOUND"
	CodeSyncRunning      = "SYNC_ALREADY_RUNNING"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeProvider         = "PROVIDER_ERROR"
	CodeProviderTimeout  = "PROVIDER_TIMEOUT"
	CodeDatabase         = "DATABASE_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error is a classified failure. Status is the HTTP status it maps to.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Public reports whether Message and Details may be shown to API clients.
func (e *Error) Public() bool {
	return e.Status < http.StatusInternalServerError
}

// ServiceError is the wire form of e.
func (e *Error) ServiceError() types.ServiceError {
	return types.ServiceError{Code: e.Code, Message: e.Message, Details: e.Details}
}

// InvalidParameter reports a malformed request parameter.
func InvalidParameter(param, reason string) *Error {
	return &Error{
		Kind:    KindValidation,
		Status:  http.StatusBadRequest,
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid parameter %q: %s", param, reason),
		Details: map[string]interface{}{"parameter": param, "reason": reason},
	}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Status:  http.StatusNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{"resource": resource, "id": id},
	}
}

// SyncRunning reports a manual sync refused because a cycle is in flight.
func SyncRunning(cause error) *Error {
	return &Error{
		Kind:    KindConflict,
		Status:  http.StatusConflict,
		Code:    CodeSyncRunning,
		Message: "a sync cycle is already running",
		Cause:   cause,
	}
}

// RateLimited reports a request refused by the per-client limiter.
func RateLimited(limit float64, burst int, retryAfter time.Duration) *Error {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &Error{
		Kind:    KindRateLimit,
		Status:  http.StatusTooManyRequests,
		Code:    CodeRateLimited,
		Message: "rate limit exceeded, please try again later",
		Details: map[string]interface{}{"limit": limit, "burst": burst, "retryAfter": secs},
	}
}

// RetryAfter returns the Retry-After header value for a rate-limit error.
func (e *Error) RetryAfter() string {
	if secs, ok := e.Details["retryAfter"].(int); ok {
		return strconv.Itoa(secs)
	}
	return ""
}

// Provider wraps a failed call to an upstream service. Deadline and
// network timeouts map to 504, everything else to 502.
func Provider(provider string, cause error) *Error {
	e := &Error{
		Kind:    KindProvider,
		Status:  http.StatusBadGateway,
		Code:    CodeProvider,
		Message: fmt.Sprintf("%s request failed", provider),
		Details: map[string]interface{}{"provider": provider},
		Cause:   cause,
	}
	if isTimeout(cause) {
		e.Status = http.StatusGatewayTimeout
		e.Code = CodeProviderTimeout
		e.Message = fmt.Sprintf("%s request timed out", provider)
	}
	return e
}

// Database wraps a failed store operation.
func Database(operation string, cause error) *Error {
	return &Error{
		Kind:    KindDatabase,
		Status:  http.StatusInternalServerError,
		Code:    CodeDatabase,
		Message: fmt.Sprintf("database %s failed", operation),
		Details: map[string]interface{}{"operation": operation},
		Cause:   cause,
	}
}

// Internal wraps anything else.
func Internal(message string, cause error) *Error {
	return &Error{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: message,
		Cause:   cause,
	}
}

// From returns the first *Error in err's chain, or an internal error
// wrapping err. It returns nil for a nil err.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("unexpected error", err)
}

// StatusCode returns the HTTP status for err; 200 for nil.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return From(err).Status
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
