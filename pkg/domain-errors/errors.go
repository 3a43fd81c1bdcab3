// Package domainerrors provides coded errors that cross layer boundaries.
//
// Stores return sentinel errors (pkg/platform/sentinel); services translate
// them into coded errors; transport maps codes onto HTTP statuses. Codes are
// stable strings so API consumers can switch on them.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Callers decide retry behavior from the
// code, never from the message.
type Code string

const (
	// CodeValidation: bad input, recoverable by resubmitting corrected data.
	CodeValidation Code = "VALIDATION"
	// CodeBadRequest: malformed request envelope (unparseable body, bad UUID).
	CodeBadRequest Code = "BAD_REQUEST"
	// CodeIllegalTransition: the requested edge does not exist in the
	// protocol's transition table. Never retried.
	CodeIllegalTransition Code = "ILLEGAL_TRANSITION"
	// CodeStaleState: the request's from-state does not match the record's
	// current state. Caller must re-read before retrying.
	CodeStaleState Code = "STALE_STATE"
	// CodePreconditionNotMet: a cross-protocol ordering rule blocked the
	// transition. The message names the unmet dependency.
	CodePreconditionNotMet Code = "PRECONDITION_NOT_MET"
	// CodeConflict: optimistic concurrency loss or an operation against an
	// archived location. Caller re-reads and retries with fresh state.
	CodeConflict Code = "CONFLICT"
	// CodeResubmissionLimit: the configured resubmission cap was exceeded.
	// Terminal; requires manual override outside this service.
	CodeResubmissionLimit Code = "RESUBMISSION_LIMIT_EXCEEDED"
	// CodeUnavailable: transient infrastructure failure (store timeout).
	// Caller may retry with backoff.
	CodeUnavailable Code = "UNAVAILABLE"
	// CodeDuplicate: identity already exists.
	CodeDuplicate Code = "DUPLICATE"
	// CodeNotFound: identity does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeUnauthorized: missing or invalid actor identity.
	CodeUnauthorized Code = "UNAUTHORIZED"
	// CodeInternal: unexpected failure; details stay in logs.
	CodeInternal Code = "INTERNAL"
)

// Error carries a code, a human-readable message, and an optional field name
// for validation failures.
type Error struct {
	ErrCode Code
	Message string
	Field   string
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.ErrCode, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a coded error.
func New(code Code, message string) *Error {
	return &Error{ErrCode: code, Message: message}
}

// NewField constructs a validation error that names the offending field.
func NewField(code Code, field, message string) *Error {
	return &Error{ErrCode: code, Message: message, Field: field}
}

// Wrap attaches a code and message to an underlying error, preserving the
// cause for errors.Is/As chains.
func Wrap(err error, code Code, message string) *Error {
	return &Error{ErrCode: code, Message: message, cause: err}
}

// CodeOf extracts the code from an error chain, or CodeInternal when the
// error carries no code.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.ErrCode
	}
	return CodeInternal
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.ErrCode == code
	}
	return false
}

// Is is a convenience alias for HasCode kept for call-site readability.
func Is(err error, code Code) bool { return HasCode(err, code) }
