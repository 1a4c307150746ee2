// Package webdav provides an HTTP client for WebDAV servers with basic
// authentication, automatic retry, and error classification. Every response
// shape the server can produce is normalized here so callers only ever see
// remote.Entry values and classified errors.
package webdav

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tonimelisma/dirsync/internal/remote"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, webdav.ErrNotFound) to check. ErrNotFound also matches
// remote.ErrNotFound, and ErrPreconditionFailed matches remote.ErrExists.
var (
	ErrBadRequest         = errors.New("webdav: bad request")
	ErrUnauthorized       = errors.New("webdav: unauthorized")
	ErrForbidden          = errors.New("webdav: forbidden")
	ErrNotFound           = fmt.Errorf("webdav: not found: %w", remote.ErrNotFound)
	ErrMethodNotAllowed   = errors.New("webdav: method not allowed")
	ErrConflict           = errors.New("webdav: conflict")
	ErrPreconditionFailed = fmt.Errorf("webdav: precondition failed: %w", remote.ErrExists)
	ErrLocked             = errors.New("webdav: resource locked")
	ErrThrottled          = errors.New("webdav: throttled")
	ErrInsufficientSpace  = errors.New("webdav: insufficient storage")
	ErrServerError        = errors.New("webdav: server error")
)

// Error wraps a sentinel error with the HTTP status code, the request that
// failed, and the server's response body for debugging.
type Error struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("webdav: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("webdav: %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a dedicated sentinel.
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
	case http.StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	case http.StatusConflict:
		return ErrConflict
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusLocked:
		return ErrLocked
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusInsufficientStorage:
		return ErrInsufficientSpace
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
// 507 is not retried: a full quota does not clear itself within a backoff window.
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
