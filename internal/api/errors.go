package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrUnauthorized is returned when the server rejects the credential or no
// usable credential is available. It is fatal to presence tracking.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response other than an auth rejection.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request %s failed: %d %s (%s)", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("request %s failed: %d %s", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode))
}

// Transient reports whether retrying on the next natural interval may help.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// tokenError marks a failure to obtain the bearer credential.
type tokenError struct {
	err error
}

func (e *tokenError) Error() string { return "obtain bearer token: " + e.err.Error() }
func (e *tokenError) Unwrap() error { return e.err }

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsTransient reports whether err is a connectivity problem or a retryable
// server response. Auth failures and caller cancellation are never transient.
func IsTransient(err error) bool {
	if err == nil || IsUnauthorized(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Outcome buckets an error for metrics labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsUnauthorized(err):
		return "unauthorized"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
