package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnknown is returned by the registry for provider names absent from the
// static table.
var ErrUnknown = errors.New("provider: unknown provider")

// Sentinel errors for upstream status classification.
// Use errors.Is(err, provider.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("provider: bad request")
	ErrUnauthorized = errors.New("provider: unauthorized")
	ErrForbidden    = errors.New("provider: forbidden")
	ErrNotFound     = errors.New("provider: not found")
	ErrThrottled    = errors.New("provider: throttled")
	ErrUpstream     = errors.New("provider: upstream error")
)

// Error wraps a sentinel with the upstream HTTP status and the response body
// so callers can tell "missing upstream" from "upstream down".
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// classifyStatus maps an upstream status code to a sentinel. Returns nil for 2xx.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrUpstream
		}
		return nil
	}
}

// isRetryable reports whether a status is worth another attempt.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
