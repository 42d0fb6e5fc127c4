// Package errors defines the service error taxonomy. Every failure that
// crosses a package boundary is an *Error with a stable code, so callers can
// branch on the kind of failure without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and for HTTP status mapping.
type Code string

const (
	// ErrCodeValidation marks malformed input, including payloads that carry
	// server-controlled fields. Never retried.
	ErrCodeValidation Code = "VALIDATION"
	// ErrCodeConcurrency marks an optimistic-concurrency conflict. The caller
	// is expected to reload and decide whether to resubmit.
	ErrCodeConcurrency Code = "CONCURRENCY"
	// ErrCodeRuleViolation marks a business rule rejection. Terminal for the
	// request, not for the case.
	ErrCodeRuleViolation Code = "RULE_VIOLATION"
	// ErrCodeNotFound marks a case (or other resource) with no recorded history.
	ErrCodeNotFound Code = "NOT_FOUND"
	// ErrCodeConflict marks a state conflict that is not version-related,
	// e.g. creating a case that already exists.
	ErrCodeConflict Code = "CONFLICT"
	// ErrCodeInternal marks storage or infrastructure faults.
	ErrCodeInternal Code = "INTERNAL"
)

// Error is the structured error carried across package boundaries.
type Error struct {
	Code    Code
	Message string

	// Rule is set for RULE_VIOLATION errors: the name of the violated rule.
	Rule string
	// ExpectedVersion/ActualVersion are set for CONCURRENCY errors.
	ExpectedVersion int
	ActualVersion   int
	// Field is set for VALIDATION errors when a specific field is at fault.
	Field string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Message: message, Field: field}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Concurrency reports an optimistic-concurrency conflict carrying both the
// version the caller expected and the version actually found.
func Concurrency(expected, actual int) *Error {
	return &Error{
		Code:            ErrCodeConcurrency,
		Message:         fmt.Sprintf("version conflict: expected %d, found %d", expected, actual),
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// RuleViolation reports a business rule rejection annotated with the rule name.
func RuleViolation(rule, message string) *Error {
	return &Error{Code: ErrCodeRuleViolation, Message: message, Rule: rule}
}

// CodeOf extracts the code from an error, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// AsError returns the *Error inside err, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// HTTPStatus maps an error code to an HTTP status for the transport layer.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConcurrency, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRuleViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether target matches err, deferring to the standard library.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target, deferring to the
// standard library.
func As(err error, target any) bool { return errors.As(err, target) }
