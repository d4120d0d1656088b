// Package errors provides structured error types for the vanguards supervisor.
// This package defines error categories for better error handling and
// diagnostics, and the sentinel errors used by the selection and control code.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryControl indicates a control-channel error
	CategoryControl ErrorCategory = "control"
	// CategoryConsensus indicates a directory/consensus error
	CategoryConsensus ErrorCategory = "consensus"
	// CategoryState indicates a state-file error
	CategoryState ErrorCategory = "state"
	// CategoryConfiguration indicates a configuration error
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryPolicy indicates a policy-enforcement error
	CategoryPolicy ErrorCategory = "policy"
)

// Sentinel errors. These replace the control-flow exceptions of older
// designs: callers branch on them with errors.Is.
var (
	// ErrNoRelaysRemain is returned when a restriction predicate
	// eliminates every relay in the directory.
	ErrNoRelaysRemain = errors.New("no relays left after restrictions applied")

	// ErrInsufficientRelays is returned when the sampler cannot produce
	// enough distinct relays to fill a guard layer.
	ErrInsufficientRelays = errors.New("not enough distinct relays to fill guard set")

	// ErrUnsupportedTor is returned when the overlay rejects configuration
	// keys this tool cannot function without.
	ErrUnsupportedTor = errors.New("tor version does not support layered guard configuration")

	// ErrInvalidArguments is returned when the overlay rejects a command
	// argument (552 class replies).
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrInvalidRequest is returned when the overlay rejects an operation
	// as malformed or inapplicable (512-514 class replies).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrOperationFailed is returned when the overlay could not complete a
	// requested operation (551/553 class replies, SAVECONF failures).
	ErrOperationFailed = errors.New("operation failed")
)

// GuardError represents a structured error with category and fatality
type GuardError struct {
	Category   ErrorCategory
	Message    string
	Underlying error
	Fatal      bool
}

// Error implements the error interface
func (e *GuardError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

// Unwrap returns the underlying error
func (e *GuardError) Unwrap() error {
	return e.Underlying
}

// New creates a new GuardError
func New(category ErrorCategory, message string) *GuardError {
	return &GuardError{Category: category, Message: message}
}

// Wrap wraps an existing error with a GuardError
func Wrap(category ErrorCategory, message string, err error) *GuardError {
	return &GuardError{Category: category, Message: message, Underlying: err}
}

// Fatal creates a new fatal GuardError; the main loop translates these to a
// non-zero exit code.
func Fatal(category ErrorCategory, message string, err error) *GuardError {
	return &GuardError{Category: category, Message: message, Underlying: err, Fatal: true}
}

// IsFatal reports whether an error should terminate the process
func IsFatal(err error) bool {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge.Fatal
	}
	return false
}

// GetCategory returns the error category
func GetCategory(err error) ErrorCategory {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge.Category
	}
	return CategoryControl
}
