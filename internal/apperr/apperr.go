// Package apperr defines the error taxonomy shared by the engine and the
// request boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers deciding whether to retry.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindPrecondition     Kind = "precondition"
	KindMethodNotAllowed Kind = "method_not_allowed"
	KindExecution        Kind = "execution"
	KindInternal         Kind = "internal"
)

// Error is a classified error carrying context for the caller.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// With attaches a context key/value and returns e.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation reports malformed or missing input.
func Validation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

// NotFound reports an unknown id.
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// Precondition reports an invariant violation the caller can resolve.
func Precondition(format string, args ...any) *Error {
	return newError(KindPrecondition, format, args...)
}

// MethodNotAllowed reports an unsupported method on a valid action.
func MethodNotAllowed(format string, args ...any) *Error {
	return newError(KindMethodNotAllowed, format, args...)
}

// Execution reports an action handler failure.
func Execution(err error, format string, args ...any) *Error {
	e := newError(KindExecution, format, args...)
	e.Err = err
	return e
}

// Internal wraps an unexpected error.
func Internal(err error, format string, args ...any) *Error {
	e := newError(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err; unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPrecondition:
		return http.StatusConflict
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed later without
// changing it. Precondition errors clear once the conflicting state does.
func Retryable(kind Kind) bool {
	return kind == KindPrecondition || kind == KindInternal
}
