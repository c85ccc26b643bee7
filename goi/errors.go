package goi

import (
	"errors"
	"fmt"
)

// Stable response codes shared by every GOI endpoint.
const (
	CodeOK              = 200
	CodeMissingParam    = 400001
	CodeInvalidParam    = 400002
	CodeInvalidState    = 400003
	CodeNotPending      = 400004
	CodeTransferFailed  = 400005
	CodeUnauthenticated = 401001
	CodeNotFound        = 404001
	CodeInternal        = 500001
)

// Error kinds for classifying GOI errors.

// ValidationError represents missing or malformed input. It is detected
// before any mutation and never retried automatically.
type ValidationError struct {
	Code    int
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError returns a ValidationError with the given code.
func NewValidationError(code int, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError represents an unknown session, checkpoint, or failure.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFoundError returns a NotFoundError for the given resource.
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// StateConflictError represents an operation that is illegal in the
// current state, such as pausing a completed session.
type StateConflictError struct {
	Code    int
	Message string
	From    string
	To      string
}

func (e *StateConflictError) Error() string {
	return e.Message
}

// NewStateConflictError returns a StateConflictError with the given code.
func NewStateConflictError(code int, format string, args ...any) error {
	return &StateConflictError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewInvalidTransition reports an illegal session state machine transition.
func NewInvalidTransition(from, to string) error {
	return &StateConflictError{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("invalid transition from %s to %s", from, to),
		From:    from,
		To:      to,
	}
}

// ExecutionError wraps a failure of the external step executor. It is
// captured into a FailureReport instead of being returned to step callers.
type ExecutionError struct {
	ItemID string
	err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.ItemID, e.err)
}

func (e *ExecutionError) Unwrap() error {
	return e.err
}

// NewExecutionError wraps err as a step execution failure.
func NewExecutionError(itemID string, err error) error {
	return &ExecutionError{ItemID: itemID, err: err}
}

// InternalError represents an unexpected failure. Its cause is logged but
// never returned to clients.
type InternalError struct {
	err error
}

func (e *InternalError) Error() string {
	return e.err.Error()
}

func (e *InternalError) Unwrap() error {
	return e.err
}

// NewInternalError wraps err as internal.
func NewInternalError(err error) error {
	return &InternalError{err: err}
}

// IsValidation returns true if err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound returns true if err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsStateConflict returns true if err is a StateConflictError.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

// IsExecution returns true if err is an ExecutionError.
func IsExecution(err error) bool {
	var ex *ExecutionError
	return errors.As(err, &ex)
}

// Code maps an error to its stable response code. Unknown errors map to
// CodeInternal.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	var (
		v  *ValidationError
		nf *NotFoundError
		sc *StateConflictError
	)
	switch {
	case errors.As(err, &v):
		return v.Code
	case errors.As(err, &nf):
		return CodeNotFound
	case errors.As(err, &sc):
		return sc.Code
	default:
		return CodeInternal
	}
}

// PublicMessage returns the message safe to show a client. Internal
// errors are replaced by a generic message.
func PublicMessage(err error) string {
	if Code(err) == CodeInternal {
		return "internal server error"
	}
	return err.Error()
}
