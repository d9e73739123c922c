// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package errs implements the error taxonomy every marketplace component
// propagates failures through. Every exported error from the core is a
// *Error with a Kind the caller can branch on.
package errs

import "fmt"

// Kind enumerates the error taxonomy. It is not a type name a caller
// constructs directly in comparisons; use KindOf and the Is* helpers.
type Kind string

const (
	NotFound          Kind = "not_found"
	Unauthorized      Kind = "unauthorized"
	Forbidden         Kind = "forbidden"
	InvalidInput      Kind = "invalid_input"
	InvalidTransition Kind = "invalid_transition"
	Conflict          Kind = "conflict"
	Expired           Kind = "expired"
	SystemPaused      Kind = "system_paused"
	UpstreamTimeout   Kind = "upstream_timeout"
	UpstreamError     Kind = "upstream_error"
	Internal          Kind = "internal"
)

// Error is the concrete error type returned by core operations.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an upstream error, preserving it for
// Unwrap/errors.Is chains.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithField attaches a field/value pair used for InvalidInput/InvalidTransition
// detail and returns the same error for chaining.
func (e *Error) WithField(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = value
	return e
}

// KindOf extracts the Kind of err, or Internal if err is not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
