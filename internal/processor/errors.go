package processor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/transfer"
)

// Kind discriminates how a failed pair is handled.
type Kind int

const (
	// Transient failures are retried with a growing delay.
	Transient Kind = iota
	// Permanent failures freeze the pair until the user acts.
	Permanent
	// Locked means a local file is held open; it is retried on a fixed delay.
	Locked
	// Conflict moves the pair to the conflicted state.
	Conflict
	// NotFound means one side disappeared while processing.
	NotFound
	// Yield hands the pair back because a prerequisite is not met yet.
	Yield
)

var kindNames = [...]string{"transient", "permanent", "locked", "conflict", "not_found", "yield"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Error reasons stored on pairs.
const (
	ReasonReadOnly       = "READONLY"
	ReasonUnauthorized   = "UNAUTHORIZED"
	ReasonLocked         = "LOCKED"
	ReasonDigestMismatch = "DIGEST_MISMATCH"
	ReasonNetwork        = "NETWORK_ERROR"
	ReasonLocalIO        = "LOCAL_IO_ERROR"
	ReasonParentMissing  = "PARENT_MISSING"
	// ReasonLocalCopy marks a conflict whose local content was copied aside.
	ReasonLocalCopy = "LOCAL_COPY"
)

// ProcessError is returned by Process when a pair must be retried. It
// implements the queue's retry contract.
type ProcessError struct {
	Kind   Kind
	Reason string
	// Local is set when a NotFound error is about the local side.
	Local bool
	Err   error

	attempts int
	delay    time.Duration
}

func (e *ProcessError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Attempts returns the error count of the pair after this failure.
func (e *ProcessError) Attempts() int {
	return e.attempts
}

// Delay returns the fixed wait before the next try, if any.
func (e *ProcessError) Delay() time.Duration {
	return e.delay
}

func yield(reason string) *ProcessError {
	return &ProcessError{Kind: Yield, Reason: reason}
}

// Classify maps an error to a ProcessError. Errors already classified are
// returned as is.
func Classify(err error) *ProcessError {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe
	}

	switch {
	case errors.Is(err, localfs.ErrLocked):
		return &ProcessError{Kind: Locked, Reason: ReasonLocked, Err: err}
	case errors.Is(err, remote.ErrUnauthorized):
		return &ProcessError{Kind: Permanent, Reason: ReasonUnauthorized, Err: err}
	case errors.Is(err, remote.ErrForbidden):
		return &ProcessError{Kind: Permanent, Reason: ReasonReadOnly, Err: err}
	case remote.IsConflict(err):
		return &ProcessError{Kind: Conflict, Reason: "CONFLICT", Err: err}
	case errors.Is(err, remote.ErrNotFound):
		return &ProcessError{Kind: NotFound, Reason: "REMOTE_NOT_FOUND", Err: err}
	case errors.Is(err, localfs.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return &ProcessError{Kind: NotFound, Reason: "LOCAL_NOT_FOUND", Local: true, Err: err}
	case errors.Is(err, transfer.ErrDigestMismatch):
		return &ProcessError{Kind: Transient, Reason: ReasonDigestMismatch, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &ProcessError{Kind: Permanent, Reason: ReasonLocalIO, Err: err}
	case errors.Is(err, context.Canceled):
		return &ProcessError{Kind: Yield, Reason: "CANCELLED", Err: err}
	case remote.IsTransient(err):
		return &ProcessError{Kind: Transient, Reason: ReasonNetwork, Err: err}
	default:
		return &ProcessError{Kind: Transient, Reason: "UNKNOWN", Err: err}
	}
}

// IsRetryable reports whether err leaves the pair in the retry loop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err).Kind {
	case Transient, Locked, Yield:
		return true
	}
	return false
}

// IsUserActionRequired reports whether err freezes the pair until the user
// intervenes.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err).Kind {
	case Permanent, Conflict:
		return true
	}
	return false
}
