// ABOUTME: Coded RPC errors carried inside response envelopes
// ABOUTME: Error implements error and compares by code under errors.Is

package rpc

import (
	"errors"
	"fmt"
)

// Code classifies an RPC failure.
type Code string

// Error codes carried in response envelopes.
const (
	CodeTimeout      Code = "TIMEOUT"
	CodeCancelled    Code = "CANCELLED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeAgentOffline Code = "AGENT_OFFLINE"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeBadRequest   Code = "BAD_REQUEST"
	CodeInternal     Code = "INTERNAL"
)

// Sentinels for errors.Is comparisons by code.
var (
	ErrTimeout      = &Error{Code: CodeTimeout}
	ErrCancelled    = &Error{Code: CodeCancelled}
	ErrNotFound     = &Error{Code: CodeNotFound}
	ErrAgentOffline = &Error{Code: CodeAgentOffline}
	ErrUnauthorized = &Error{Code: CodeUnauthorized}
	ErrBadRequest   = &Error{Code: CodeBadRequest}
	ErrInternal     = &Error{Code: CodeInternal}
)

// Error is a coded RPC failure.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code carried by err. Errors that are not *Error map to
// INTERNAL; a nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return CodeInternal
}

// toError converts a handler error into a wire error.
func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
