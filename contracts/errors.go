// Package contracts holds the shared types every service in the platform
// agrees on: the error taxonomy, identifier generation, the clock
// abstraction, tagged context values, response envelopes, and health probes.
package contracts

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for recovery and transport mapping.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindSafety     Kind = "safety"
	KindTransient  Kind = "transient"
	KindPolicy     Kind = "policy"
	KindAuth       Kind = "auth"
	KindForbidden  Kind = "forbidden"
	KindData       Kind = "data"
	KindPartial    Kind = "partial"
	KindInternal   Kind = "internal"
)

// Error is the platform error type. It carries a Kind for recovery
// decisions, a stable trace id for correlation, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	TraceID string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a new Error of the given kind with a formatted message.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), TraceID: NewTraceID()}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), TraceID: NewTraceID(), Err: err}
}

// KindOf reports the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// TraceIDOf returns the trace id of err, or empty when err carries none.
func TraceIDOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.TraceID
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

func IsNotFound(err error) bool  { return IsKind(err, KindNotFound) }
func IsConflict(err error) bool  { return IsKind(err, KindConflict) }
func IsTransient(err error) bool { return IsKind(err, KindTransient) }
func IsSafety(err error) bool    { return IsKind(err, KindSafety) }

// HTTPStatus maps an error kind to its transport status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPolicy:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindSafety:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
