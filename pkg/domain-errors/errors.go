// Package domainerrors defines the coded error type returned across the
// domain-service boundary. Services translate store sentinels and guard
// failures into these codes so transport layers can render precise,
// user-facing messages without inspecting error strings.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain failure. The set is closed; handlers switch on it
// to pick HTTP status codes and the services use it to decide whether a
// failure is a business-rule violation or a system fault.
type Code string

const (
	// CodeValidation covers malformed or missing required input. No mutation
	// was attempted.
	CodeValidation Code = "validation"

	// CodeInvalidTransition means the requested (or concurrently raced) status
	// change is not permitted by the lifecycle table. No partial mutation
	// occurred.
	CodeInvalidTransition Code = "invalid_transition"

	// CodeIncompleteData means a review or release was attempted while one or
	// more analysis rows still lack a value.
	CodeIncompleteData Code = "incomplete_data"

	// CodeAuthentication means a signature-bearing action failed credential
	// confirmation.
	CodeAuthentication Code = "authentication"

	// CodeNotFound means the entity does not exist within the caller's tenant
	// scope. Cross-tenant ids deliberately map here, never to a hint that the
	// row exists elsewhere.
	CodeNotFound Code = "not_found"

	// CodeConflict means a concurrent writer won the race for the same row.
	CodeConflict Code = "conflict"

	// CodeForbidden means the actor's role does not permit the operation.
	CodeForbidden Code = "forbidden"

	// CodeInternal is a system fault (storage, encoding). Surfaced with
	// underlying detail for operators, generic for end users.
	CodeInternal Code = "internal"
)

// Error carries a code, a human-readable message and optional per-field
// validation details.
type Error struct {
	Code    Code
	Message string
	// Fields holds per-field validation messages, keyed by input field name.
	// Only populated for CodeValidation.
	Fields map[string][]string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error that preserves the underlying cause for
// errors.Is/errors.As chains.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithField attaches a per-field validation message and returns the error for
// chaining.
func (e *Error) WithField(field, message string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
	return e
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Is is an alias for HasCode kept for call-site readability:
// domainerrors.Is(err, domainerrors.CodeNotFound).
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf extracts the code from err, defaulting to CodeInternal for untyped
// errors so infrastructure faults never masquerade as business failures.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
