// Package errs provides the core's error taxonomy (spec §7) plus thin
// wrapping helpers over the standard errors package.
package errs

import (
	"errors"
	"fmt"
)

// Unwrap unwraps an error to find the underlying cause.
func Unwrap(err error) error { return errors.Unwrap(err) }

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// New creates a new error with the given message.
func New(message string) error { return errors.New(message) }

// Wrap wraps an error with a message, preserving the chain for Is/As.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ErrNotFound indicates a file, user, or transfer id was not present.
// Per spec §7 it is converted to EnqueueRejected("File not shared.") in
// admission, and surfaced as a plain not-found elsewhere (e.g. queue
// position estimates).
var ErrNotFound = errors.New("not found")

// ErrCancelled indicates a cancellation token tripped before completion.
var ErrCancelled = errors.New("cancelled")

// EnqueueRejected is raised by admission (§4.5) when a remote upload
// request must not be admitted. Message is propagated onto the wire
// verbatim, so it must be one of the literal strings spec §4.5/§7 define.
type EnqueueRejected struct {
	Message string
}

func (e *EnqueueRejected) Error() string { return e.Message }

// Reject constructs an *EnqueueRejected.
func Reject(message string) error { return &EnqueueRejected{Message: message} }

// AsRejection reports whether err is (or wraps) an *EnqueueRejected and
// returns it.
func AsRejection(err error) (*EnqueueRejected, bool) {
	var rejected *EnqueueRejected
	if As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}

// TransferFailed wraps a protocol-library error encountered while moving
// bytes for a transfer. It always terminates the transfer as
// Completed|Errored (§4.6 step 5).
type TransferFailed struct {
	Err error
}

func (e *TransferFailed) Error() string { return fmt.Sprintf("transfer failed: %v", e.Err) }
func (e *TransferFailed) Unwrap() error { return e.Err }

// DatabaseError wraps a persistence failure. Per §7, admission surfaces it
// as a generic rejection; progress/state writes during a transfer instead
// log and swallow it, trusting StartupCleanup to reconcile on next boot.
type DatabaseError struct {
	Err error
}

func (e *DatabaseError) Error() string { return fmt.Sprintf("database error: %v", e.Err) }
func (e *DatabaseError) Unwrap() error { return e.Err }

// Fatal wraps an unrecoverable startup failure that should propagate and
// cause the process to exit.
type Fatal struct {
	Err error
}

func (e *Fatal) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *Fatal) Unwrap() error { return e.Err }
