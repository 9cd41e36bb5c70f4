// Package errcode defines the error taxonomy shared by the API surface, the
// worker pool, and the protocol adapters. Codes are part of the wire
// contract; everything else about an Error is free-form context. Errors move
// between components as values, never as panics.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable string identifier for an error class.
type Code string

const (
	CodeValidation    Code = "ERR_VALIDATION"
	CodeUnauthorized  Code = "ERR_UNAUTHORIZED"
	CodeRouting       Code = "ERR_ROUTING"
	CodeRobotNotFound Code = "ERR_ROBOT_NOT_FOUND"
	CodeRobotOffline  Code = "ERR_ROBOT_OFFLINE"
	CodeRobotBusy     Code = "ERR_ROBOT_BUSY"
	CodeActionInvalid Code = "ERR_ACTION_INVALID"
	CodeProtocol      Code = "ERR_PROTOCOL"
	CodeTimeout       Code = "ERR_TIMEOUT"
	CodeQueueFull     Code = "ERR_QUEUE_FULL"
	CodeInternal      Code = "ERR_INTERNAL"
)

// Retriable reports whether a worker may retry a dispatch that failed with
// this code. Client-level retries (queue full) are not worker retries.
func (c Code) Retriable() bool {
	switch c {
	case CodeRobotOffline, CodeProtocol, CodeTimeout:
		return true
	}
	return false
}

// HTTPStatus maps a code to the status used when it surfaces directly on an
// HTTP response. Codes that normally end up inside a failed record still get
// a sensible mapping for the rare direct surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeActionInvalid:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRobotNotFound:
		return http.StatusNotFound
	case CodeRobotBusy:
		return http.StatusConflict
	case CodeRobotOffline, CodeQueueFull:
		return http.StatusServiceUnavailable
	case CodeRouting, CodeProtocol:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is the uniform error value. Details carries machine-readable context
// that ends up in the response body and in failed records.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying cause. The cause stays
// reachable through errors.Is/As chains.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetail adds one key to Details and returns the same error for
// call chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// As picks the taxonomy error out of an arbitrary error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf extracts the code from an error chain, defaulting to ERR_INTERNAL
// for anything outside the taxonomy.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
