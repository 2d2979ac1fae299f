package core

import (
	"errors"
	"fmt"
)

// Error codes for swarm operations
const (
	ErrCodeCompile   = "COMPILE_ERROR"
	ErrCodeNotFound  = "NOT_FOUND"
	ErrCodeMemory    = "MEMORY_ERROR"
	ErrCodeTimeout   = "TIMEOUT"
	ErrCodeFailure   = "EXECUTION_FAILURE"
	ErrCodeProtocol  = "PROTOCOL_ERROR"
	ErrCodeConfig    = "CONFIG_ERROR"
	ErrCodeRateLimit = "RATE_LIMITED"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrCompile   = &Error{Code: ErrCodeCompile, Message: "compile failed"}
	ErrNotFound  = &Error{Code: ErrCodeNotFound, Message: "artifact not found"}
	ErrMemory    = &Error{Code: ErrCodeMemory, Message: "memory budget exceeded"}
	ErrTimeout   = &Error{Code: ErrCodeTimeout, Message: "execution timed out"}
	ErrFailure   = &Error{Code: ErrCodeFailure, Message: "execution failed"}
	ErrProtocol  = &Error{Code: ErrCodeProtocol, Message: "malformed frame"}
	ErrConfig    = &Error{Code: ErrCodeConfig, Message: "invalid configuration"}
	ErrRateLimit = &Error{Code: ErrCodeRateLimit, Message: "too many requests"}
)

// Error is the error type shared by every component. Code is stable and is
// what callers and the wire protocol act on; Message and Context are for humans.
type Error struct {
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a new error with the given code.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a code.
func WrapError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Code returns the code of the first *Error in err's chain, or "".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func CompileError(message string, cause error) *Error {
	return WrapError(ErrCodeCompile, message, cause)
}

func NotFoundError(hash Digest) *Error {
	return NewError(ErrCodeNotFound, "artifact not found").
		WithContext("hash", hash.String())
}

func MemoryError(requested, available uint64) *Error {
	return NewError(ErrCodeMemory, "memory budget exceeded").
		WithContext("requested", requested).
		WithContext("available", available)
}

func ProtocolError(message string, cause error) *Error {
	return WrapError(ErrCodeProtocol, message, cause)
}

func ConfigError(message string) *Error {
	return NewError(ErrCodeConfig, message)
}
