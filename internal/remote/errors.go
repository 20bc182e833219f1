package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Errors mapped from HTTP statuses.
//
// Check them with errors.Is():
//
//	if errors.Is(err, remote.ErrNotFound) {
//	    // the document is gone
//	}
var (
	// ErrUnauthorized is returned on 401: the token was revoked or expired.
	ErrUnauthorized = errors.New("invalid credentials")

	// ErrForbidden is returned on 403: the document is read-only for the user.
	ErrForbidden = errors.New("read-only document")

	// ErrNotFound is returned on 404.
	ErrNotFound = errors.New("remote document not found")

	// ErrBatchExpired is returned when the server dropped an upload batch.
	ErrBatchExpired = errors.New("upload batch expired")
)

// ConflictError is returned on 409, when the server refuses a competing
// update.
type ConflictError struct {
	Ref     string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("conflict on %s", e.Ref)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Ref, e.Message)
}

// HTTPError carries any other unexpected status.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server status %d", e.Status)
}

// ErrorFromStatus maps a non-2xx status to the error taxonomy.
func ErrorFromStatus(status int, ref, message string) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return &ConflictError{Ref: ref, Message: message}
	default:
		return &HTTPError{Status: status, Message: message}
	}
}

// IsTransient returns true for errors likely to succeed on retry: network
// failures, timeouts and 5xx/408/429 statuses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 ||
			httpErr.Status == http.StatusRequestTimeout ||
			httpErr.Status == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsPermission returns true when the user lacks rights on the document.
func IsPermission(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// IsConflict returns true for competing updates.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
