// Package remote is the HTTP client for remote document stores. It maps
// each entity kind to a remote collection, authenticates per integration
// type, retries transient failures, and classifies every failure as a
// connection, auth, data or not-found error.
package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/campusline/edusync/internal/model"
)

// Sentinel error classes. Use errors.Is(err, remote.ErrAuth) to check.
var (
	ErrConnection = errors.New("remote: connection error")
	ErrAuth       = errors.New("remote: authentication error")
	ErrData       = errors.New("remote: data error")
	ErrNotFound   = errors.New("remote: not found")
)

// Error wraps a sentinel class with the HTTP status, the record it concerns
// and the server message.
type Error struct {
	StatusCode int
	Kind       model.Kind
	RecordID   string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	var where string
	if e.Kind != "" {
		where = " " + string(e.Kind)
		if e.RecordID != "" {
			where += "/" + e.RecordID
		}
	}

	if e.StatusCode != 0 {
		return fmt.Sprintf("%v%s: HTTP %d: %s", e.Err, where, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%v%s: %s", e.Err, where, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func connectionError(msg string, err error) *Error {
	return &Error{Message: fmt.Sprintf("%s: %v", msg, err), Err: ErrConnection}
}

func authError(msg string) *Error {
	return &Error{Message: msg, Err: ErrAuth}
}

func dataError(kind model.Kind, id, msg string) *Error {
	return &Error{Kind: kind, RecordID: id, Message: msg, Err: ErrData}
}

// classifyStatus maps a non-2xx HTTP status to a sentinel class.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return ErrConnection
	default:
		if code >= http.StatusInternalServerError {
			return ErrConnection
		}

		return ErrData
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
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

// Classify returns the user-facing error class of err.
func Classify(err error) model.ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return model.ClassAuth
	case errors.Is(err, ErrConnection):
		return model.ClassConnection
	case errors.Is(err, ErrData), errors.Is(err, ErrNotFound):
		return model.ClassData
	default:
		return model.ClassInternal
	}
}
