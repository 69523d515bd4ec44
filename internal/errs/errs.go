// Package errs defines the error codes shared by the engine, the peers
// clients and the HTTP surface.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable, machine readable error category.
type Code string

const (
	CodeInvalidTransition     Code = "INVALID_STATE_TRANSITION"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeForbidden             Code = "FORBIDDEN"
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeConcurrencyConflict   Code = "CONCURRENCY_CONFLICT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeTransient             Code = "DEPENDENCY_TRANSIENT_FAILURE"
	CodeDependencyUnavailable Code = "DEPENDENCY_UNAVAILABLE"
	CodePublishDeferred       Code = "EVENT_PUBLISH_DEFERRED"
	CodeInternal              Code = "INTERNAL"
)

// Coded is implemented by errors that carry a Code.
type Coded interface {
	ErrorCode() Code
}

// Error is the concrete coded error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorCode() Code { return e.Code }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the outermost code found in the chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var c Coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func IsTransient(err error) bool {
	return Is(err, CodeTransient)
}

// IsCallerFault reports whether err was caused by the request itself rather
// than by the callee failing. Such errors never count against a dependency.
func IsCallerFault(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidTransition, CodeUnauthorized, CodeForbidden, CodeValidation,
		CodeConcurrencyConflict, CodeNotFound:
		return true
	}
	return false
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func NotFound(kind, id string) *Error {
	return New(CodeNotFound, "%s %s not found", kind, id)
}
