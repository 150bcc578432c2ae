// Package errs defines the error taxonomy shared across the escrow core.
//
// Four classes cover every failure the core can surface:
//
//   - validation: bad input, never retried
//   - workflow: illegal state transition or precondition, never retried
//   - payment: gateway rejected or failed after retries; state is preserved
//     for manual remediation
//   - integration: external dependency unreachable; retried per policy,
//     then surfaced
//
// Every error carries a stable machine code plus a human-readable message,
// so calling layers can tell retryable failures from terminal ones.
package errs

import (
	"errors"
	"fmt"
)

// Class identifies the error taxonomy bucket.
type Class string

const (
	ClassValidation  Class = "validation"
	ClassWorkflow    Class = "workflow"
	ClassPayment     Class = "payment"
	ClassIntegration Class = "integration"
)

// Error is a classified error with a stable code.
type Error struct {
	Class   Class
	Code    string // stable machine code, e.g. "illegal_transition"
	Message string
	Err     error // wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Class, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Class, e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt.
// Validation and workflow errors are terminal; payment and integration
// errors can be retried by the caller.
func (e *Error) Retryable() bool {
	return e.Class == ClassPayment || e.Class == ClassIntegration
}

// Validation creates a validation error (bad input, never retried).
func Validation(code, message string) *Error {
	return &Error{Class: ClassValidation, Code: code, Message: message}
}

// Workflow creates a workflow error (illegal transition or precondition).
func Workflow(code, message string) *Error {
	return &Error{Class: ClassWorkflow, Code: code, Message: message}
}

// Payment creates a payment error wrapping the gateway cause.
func Payment(code, message string, cause error) *Error {
	return &Error{Class: ClassPayment, Code: code, Message: message, Err: cause}
}

// Integration creates an integration error wrapping the transport cause.
func Integration(code, message string, cause error) *Error {
	return &Error{Class: ClassIntegration, Code: code, Message: message, Err: cause}
}

// As extracts an *Error from err's chain, or nil if there is none.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsClass reports whether err belongs to the given class.
func IsClass(err error, class Class) bool {
	if e := As(err); e != nil {
		return e.Class == class
	}
	return false
}

// Retryable reports whether err is a retryable classified error.
// Unclassified errors are treated as not retryable.
func Retryable(err error) bool {
	if e := As(err); e != nil {
		return e.Retryable()
	}
	return false
}
