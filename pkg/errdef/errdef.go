// Package errdef defines the error taxonomy carried through events and
// used for retry routing: validation, resolution, tool, transient,
// policy, and fatal kinds. Errors wrap their cause for errors.Is/As
// while keeping the message safe to persist and log.
package errdef

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing decisions
type Kind string

const (
	// KindValidation marks malformed playbooks, schema violations,
	// unknown tool kinds, reserved alias misuse. Never retried.
	KindValidation Kind = "validation"

	// KindResolution marks missing credentials, unresolved template
	// variables, unknown references. Retried only when retry_when
	// explicitly permits.
	KindResolution Kind = "resolution"

	// KindTool marks a failure reported by a tool. Retryable per
	// policy; the code carries the tool's own classifier (HTTP
	// status, SQLSTATE, exit code).
	KindTool Kind = "tool"

	// KindTransient marks infrastructure blips (deadlock, lease
	// lost, connection reset). The worker retries these internally
	// before surfacing.
	KindTransient Kind = "transient"

	// KindPolicy marks terminal policy outcomes: exhausted retries,
	// cancellation, timeout.
	KindPolicy Kind = "policy"

	// KindFatal marks invariant violations. The current job crashes
	// and the sweeper restores its lease.
	KindFatal Kind = "fatal"
)

// Error is a classified error. Message must be redacted by the caller;
// the wrapped cause may carry sensitive detail and is never serialized.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCode attaches a tool-level error code (HTTP status, SQLSTATE)
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// New builds a classified error with a formatted message
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause. The cause stays
// reachable through errors.Is/As but is not part of the message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// Validation builds a KindValidation error
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// Resolution builds a KindResolution error
func Resolution(format string, args ...any) *Error {
	return New(KindResolution, format, args...)
}

// Tool builds a KindTool error
func Tool(format string, args ...any) *Error {
	return New(KindTool, format, args...)
}

// Transient builds a KindTransient error
func Transient(format string, args ...any) *Error {
	return New(KindTransient, format, args...)
}

// Policy builds a KindPolicy error
func Policy(format string, args ...any) *Error {
	return New(KindPolicy, format, args...)
}

// Fatal builds a KindFatal error
func Fatal(format string, args ...any) *Error {
	return New(KindFatal, format, args...)
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report KindTool so unknown failures stay subject to retry policy
// rather than crashing the job.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTool
}

// CodeOf extracts the tool-level code from an error chain, if any
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
