// Package fault defines the error taxonomy shared by the services and
// the gateway. Every error that crosses a service boundary is one of
// these kinds so the HTTP layer can map it to a status code without
// string matching.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindUpstream   Kind = "UPSTREAM"
	KindDeadLetter Kind = "DEAD_LETTER"
	KindInternal   Kind = "INTERNAL"
)

// Error is a classified failure with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports malformed or out-of-range input. Maps to 400.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing record. Maps to 404.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a request that is already satisfied or racing a
// concurrent transition. Benign for idempotent callers. Maps to 409.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Upstream reports a dependency failure (executor, exporter). Maps to 502.
func Upstream(err error, format string, args ...any) *Error {
	return &Error{Kind: KindUpstream, Message: fmt.Sprintf(format, args...), Err: err}
}

// DeadLetter reports a task parked after exhausting its attempts.
// Terminal until a manual reset. Maps to 409.
func DeadLetter(format string, args ...any) *Error {
	return &Error{Kind: KindDeadLetter, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure. Maps to 500.
func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the gateway responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindDeadLetter:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MaxStoredErrorLen bounds the error text persisted on a task record.
const MaxStoredErrorLen = 500

// Truncate clips an error message for storage, never splitting a
// multi-byte rune.
func Truncate(msg string) string {
	if len(msg) <= MaxStoredErrorLen {
		return msg
	}
	cut := MaxStoredErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
