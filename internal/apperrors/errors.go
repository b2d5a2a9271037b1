// Package apperrors defines the stable error taxonomy surfaced across the
// storage, passage, job, agent-loop, and audit components, and the HTTP
// status codes each maps to.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, API-visible error classification.
type Code string

const (
	CodeInvalidArgument   Code = "invalid_argument"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeFailedPrecondition Code = "failed_precondition"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeDeadlineExceeded  Code = "deadline_exceeded"
	CodeCancelled         Code = "cancelled"
	CodeInternal          Code = "internal"
	CodeUnavailable       Code = "unavailable"
)

// Error is the typed error wrapper used throughout the module.
type Error struct {
	code    Code
	message string
	details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the stable error code.
func (e *Error) Code() Code { return e.code }

// Details returns the structured detail map, possibly nil.
func (e *Error) Details() map[string]any { return e.details }

// HTTPStatus maps the code to the status codes enumerated in spec §6.
func (e *Error) HTTPStatus() int {
	switch e.code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeCancelled:
		return 499
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func new_(code Code, message string, cause error) *Error {
	return &Error{code: code, message: message, cause: cause}
}

func InvalidArgument(format string, args ...any) *Error {
	return new_(CodeInvalidArgument, fmt.Sprintf(format, args...), nil)
}

func NotFound(format string, args ...any) *Error {
	return new_(CodeNotFound, fmt.Sprintf(format, args...), nil)
}

func Conflict(format string, args ...any) *Error {
	return new_(CodeConflict, fmt.Sprintf(format, args...), nil)
}

func FailedPrecondition(format string, args ...any) *Error {
	return new_(CodeFailedPrecondition, fmt.Sprintf(format, args...), nil)
}

func ResourceExhausted(format string, args ...any) *Error {
	return new_(CodeResourceExhausted, fmt.Sprintf(format, args...), nil)
}

func DeadlineExceeded(format string, args ...any) *Error {
	return new_(CodeDeadlineExceeded, fmt.Sprintf(format, args...), nil)
}

func Cancelled(format string, args ...any) *Error {
	return new_(CodeCancelled, fmt.Sprintf(format, args...), nil)
}

func Internal(cause error, format string, args ...any) *Error {
	return new_(CodeInternal, fmt.Sprintf(format, args...), cause)
}

func Unavailable(cause error, format string, args ...any) *Error {
	return new_(CodeUnavailable, fmt.Sprintf(format, args...), cause)
}

// WithDetails attaches a structured detail map and returns the receiver.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.details = details
	return e
}

// CodeOf extracts the Code from err, defaulting to CodeInternal when err
// does not wrap an *Error.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.code
	}
	return CodeInternal
}

// Is reports whether err wraps an *Error with the given code.
func Is(err error, code Code) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.code == code
}
