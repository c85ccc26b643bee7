package executor

import (
	"context"
	"errors"
)

// Error types for classifying step executor failures.

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// InputError marks a failure caused by the step input. The user can fix it
// by supplying corrected input through a modify recovery.
type InputError struct {
	err error
}

func (e *InputError) Error() string {
	return e.err.Error()
}

func (e *InputError) Unwrap() error {
	return e.err
}

// NewInputError wraps an error as caused by invalid step input.
func NewInputError(err error) error {
	return &InputError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsInput returns true if the error was caused by the step input.
func IsInput(err error) bool {
	var input *InputError
	return errors.As(err, &input)
}

// Error kinds recorded on failure reports.
const (
	KindTransient = "transient"
	KindFatal     = "fatal"
	KindTimeout   = "timeout"
	KindInput     = "input"
	KindUnknown   = "unknown"
)

// Classify maps an executor error to its failure kind.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case IsInput(err):
		return KindInput
	case IsTransient(err):
		return KindTransient
	case IsFatal(err):
		return KindFatal
	default:
		return KindUnknown
	}
}
