// Package errclass defines the error classes a replication run can end with.
// Every fatal error that reaches the CLI carries exactly one class, which
// selects the log message and the process exit status.
package errclass

import (
	"errors"
	"fmt"
)

// Class is a stable, machine-readable error class.
type Class string

const (
	Precondition     Class = "E_PRECONDITION"
	CheckpointCreate Class = "E_CHECKPOINT_CREATE"
	CheckpointRemove Class = "E_CHECKPOINT_REMOVE"
	Transfer         Class = "E_TRANSFER"
	Interrupted      Class = "E_INTERRUPTED"
	Usage            Class = "E_USAGE"
	Unexpected       Class = "E_UNEXPECTED"
)

// Error is a classified error with an optional cause.
type Error struct {
	Class   Class
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Class)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same class, so errors.Is(err, errclass.New(Transfer, ""))
// and errors.Is(err, errclass.ErrTransfer) both work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Class == t.Class
}

// Sentinels for errors.Is.
var (
	ErrPrecondition     = &Error{Class: Precondition}
	ErrCheckpointCreate = &Error{Class: CheckpointCreate}
	ErrCheckpointRemove = &Error{Class: CheckpointRemove}
	ErrTransfer         = &Error{Class: Transfer}
	ErrInterrupted      = &Error{Class: Interrupted}
	ErrUsage            = &Error{Class: Usage}
	ErrUnexpected       = &Error{Class: Unexpected}
)

// New returns a classified error without a cause.
func New(c Class, format string, args ...any) *Error {
	return &Error{Class: c, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(c Class, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Class: c, Message: fmt.Sprintf(format, args...), Err: err}
}

// Of returns the class of the outermost classified error in the chain, or
// Unexpected when err carries none.
func Of(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return Unexpected
}

// ExitCode maps a run error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch Of(err) {
	case Usage:
		return 1
	case Precondition:
		return 2
	case CheckpointCreate, CheckpointRemove:
		return 3
	case Transfer:
		return 4
	case Interrupted:
		return 130
	default:
		return 70
	}
}

// Describe returns the human-readable headline logged for each class.
func Describe(c Class) string {
	switch c {
	case Precondition:
		return "inconsistent or missing volumes/checkpoints, manual intervention required"
	case CheckpointCreate:
		return "checkpoint creation failed"
	case CheckpointRemove:
		return "checkpoint removal failed"
	case Transfer:
		return "transfer pipeline failed"
	case Interrupted:
		return "interrupted, terminating"
	case Usage:
		return "invalid arguments"
	default:
		return "unexpected error (probably a bug)"
	}
}
