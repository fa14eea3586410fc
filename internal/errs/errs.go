// Package errs defines the error taxonomy shared by the session engine,
// the sweeps and the HTTP layer.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error class.
type Code string

const (
	CodeUnknown      Code = "unknown"
	CodeNotFound     Code = "not_found"
	CodeInvalidState Code = "invalid_state"
	CodeValidation   Code = "validation"
	CodeConflict     Code = "conflict"
	CodeStorage      Code = "storage"
)

// Error is a classified error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Code == CodeStorage {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound     = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidState = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrValidation   = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrConflict     = &Error{Code: CodeConflict, Message: "conflict"}
	ErrStorage      = &Error{Code: CodeStorage, Message: "storage failure"}
)

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing device, session, package or discovery record.
func NotFound(format string, args ...any) *Error {
	return newf(CodeNotFound, format, args...)
}

// InvalidState reports an operation that is not legal for the current status.
func InvalidState(format string, args ...any) *Error {
	return newf(CodeInvalidState, format, args...)
}

// Validation reports missing or malformed input.
func Validation(format string, args ...any) *Error {
	return newf(CodeValidation, format, args...)
}

// Conflict reports a request that collides with existing state.
func Conflict(format string, args ...any) *Error {
	return newf(CodeConflict, format, args...)
}

// Storage wraps a persistence failure.
func Storage(op string, cause error) *Error {
	return &Error{Code: CodeStorage, Message: op, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodeConflict:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
