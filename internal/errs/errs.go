// Package errs defines the error taxonomy shared across the brain runtime.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the language-neutral categories the
// runtime distinguishes for propagation and recovery purposes.
type Kind string

const (
	InvalidArgument  Kind = "invalid_argument"
	NotFound         Kind = "not_found"
	PolicyDenied     Kind = "policy_denied"
	ToolFailed       Kind = "tool_failed"
	Timeout          Kind = "timeout"
	Cancelled        Kind = "cancelled"
	LLMFailed        Kind = "llm_failed"
	IoError          Kind = "io_error"
	CorruptTranscript Kind = "corrupt_transcript"
	ResourceExhausted Kind = "resource_exhausted"
	AlreadyArchived  Kind = "already_archived"
)

// Error is the structured error type produced and consumed throughout the
// runtime. It carries enough context to decide recoverability without
// string-matching the message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.New(kind, "")) style kind comparisons.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New builds an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Of extracts the Kind of err, returning ("", false) if err does not carry one.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}

// NotFoundf is a convenience constructor for the common NotFound case.
func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

// InvalidArgumentf is a convenience constructor for the common InvalidArgument case.
func InvalidArgumentf(format string, args ...any) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...))
}
