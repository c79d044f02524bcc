package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a routing or registration failure.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Operation is the operation name involved, if any.
	Operation string

	// Executor is the executor name involved, if any.
	Executor string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeUnknownOperation indicates no executor handles a delta's name.
	ErrCodeUnknownOperation RuntimeErrorCode = "UNKNOWN_OPERATION"

	// ErrCodeDuplicateRoute indicates two executors declared the same name.
	ErrCodeDuplicateRoute RuntimeErrorCode = "DUPLICATE_ROUTE"
)

// ErrUnknownOperation matches any RuntimeError with ErrCodeUnknownOperation
// when used with errors.Is.
var ErrUnknownOperation = &RuntimeError{Code: ErrCodeUnknownOperation}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	switch {
	case e.Operation != "" && e.Executor != "":
		return fmt.Sprintf("%s: %s (operation=%s, executor=%s)", e.Code, e.Message, e.Operation, e.Executor)
	case e.Operation != "":
		return fmt.Sprintf("%s: %s (operation=%s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is a RuntimeError with the same code.
func (e *RuntimeError) Is(target error) bool {
	t, ok := target.(*RuntimeError)
	return ok && t.Code == e.Code
}

// IsUnknownOperation returns true if the error is an unknown operation
// error. Uses errors.As to handle wrapped errors.
func IsUnknownOperation(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeUnknownOperation
	}
	return false
}

// NewUnknownOperationError creates a RuntimeError for an unrouted delta.
func NewUnknownOperationError(operation string) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeUnknownOperation,
		Message:   "no executor registered for operation",
		Operation: operation,
	}
}

// NewDuplicateRouteError creates a RuntimeError for a name declared twice.
func NewDuplicateRouteError(operation, executor string) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeDuplicateRoute,
		Message:   "operation already routed to another executor",
		Operation: operation,
		Executor:  executor,
	}
}
