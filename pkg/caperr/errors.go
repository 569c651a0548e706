// Package caperr defines the hub's error taxonomy. Every error crossing a
// component boundary carries a stable code, a retryable flag and a context
// map; the HTTP layer emits codes verbatim.
package caperr

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable error code from the taxonomy.
type Code string

// Hub lifecycle codes.
const (
	CodeAgentNotFound      Code = "CAP_AGENT_NOT_FOUND"
	CodeAgentNotReady      Code = "CAP_AGENT_NOT_READY"
	CodeAgentUnhealthy     Code = "CAP_AGENT_UNHEALTHY"
	CodeAgentConflict      Code = "CAP_AGENT_CONFLICT"
	CodeThreadNotFound     Code = "CAP_THREAD_NOT_FOUND"
	CodeThreadClosed       Code = "CAP_THREAD_CLOSED"
	CodeRunNotFound        Code = "CAP_RUN_NOT_FOUND"
	CodeRunCancelled       Code = "CAP_RUN_CANCELLED"
	CodeRunTimeout         Code = "CAP_RUN_TIMEOUT"
	CodeRunExecutionFailed Code = "CAP_RUN_EXECUTION_FAILED"
	CodeInterruptNotFound  Code = "CAP_INTERRUPT_NOT_FOUND"
	CodeInterruptExpired   Code = "CAP_INTERRUPT_EXPIRED"
	CodeInterruptConflict  Code = "CAP_INTERRUPT_CONFLICT"
	CodeInternal           Code = "CAP_INTERNAL"
)

// Validation family.
const (
	CodeValidInput  Code = "VALID_INPUT"
	CodeValidField  Code = "VALID_FIELD"
	CodeValidSchema Code = "VALID_SCHEMA"
)

// Network family. Retryable by default.
const (
	CodeNetRequestFailed Code = "NET_REQUEST_FAILED"
	CodeNetUnavailable   Code = "NET_UNAVAILABLE"
	CodeNetRateLimited   Code = "NET_RATE_LIMITED"
)

// Retrieval family.
const (
	CodeRAGQueryFailed  Code = "RAG_QUERY_FAILED"
	CodeRAGIngestFailed Code = "RAG_INGEST_FAILED"
	CodeRAGUnavailable  Code = "RAG_STORE_UNAVAILABLE"
)

// Timeout family. TIMEOUT_OPERATION is retryable; TIMEOUT_RUN is terminal.
const (
	CodeTimeoutOperation Code = "TIMEOUT_OPERATION"
	CodeTimeoutRun       Code = "TIMEOUT_RUN"
)

// retryableByDefault reports whether a code's family is retried with backoff.
func retryableByDefault(code Code) bool {
	if strings.HasPrefix(string(code), "NET_") {
		return true
	}
	return code == CodeTimeoutOperation
}

// Error is the hub error type. It wraps an optional cause and carries a
// context map for diagnostics; the map is never used for control flow.
type Error struct {
	Code      Code
	Message   string
	Cause     error
	Retryable bool
	Context   map[string]any
}

// New creates an Error with the family's default retryable flag.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableByDefault(code)}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error around a cause.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithContext attaches one diagnostic key-value pair and returns the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the family default.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so sentinel-style comparisons work:
// errors.Is(err, caperr.New(caperr.CodeRunTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// CodeOf returns the taxonomy code carried by err, or CAP_INTERNAL when err
// is not a taxonomy error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsRetryable reports whether err may be retried with backoff.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// From coerces err into a taxonomy error, wrapping unknown errors as
// CAP_INTERNAL.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "internal error", err)
}
