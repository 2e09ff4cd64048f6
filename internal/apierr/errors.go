// Package apierr provides the unified, structured error kinds used across the
// engine's envelope boundaries. It mirrors the ServiceError shape the teacher
// codebase uses for its HTTP-facing errors (infrastructure/errors), adapted
// to the error kinds enumerated in the engine specification rather than
// HTTP status codes.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the structured error kinds an ingress/tick-path operation
// can report. Kinds are distinguishable at the envelope so callers never
// have to string-match a message.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindInvalidState      Kind = "InvalidState"
	KindInvalidInput      Kind = "InvalidInput"
	KindUnauthorized      Kind = "Unauthorized"
	KindResourceExhausted Kind = "ResourceExhausted"
	KindSandbox           Kind = "Sandbox"
	KindStoreCorruption   Kind = "StoreCorruption"
	KindTransport         Kind = "Transport"
)

// Error is a structured, wrapped error carrying a Kind, a human message, the
// offending field (if any), and optional module/capability attribution for
// Sandbox/ResourceExhausted kinds.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Module  string // attributed module, when relevant (Sandbox, ResourceExhausted)
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Module != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s (module=%s): %v", e.Kind, e.Message, e.Module, e.Err)
	case e.Module != "":
		return fmt.Sprintf("[%s] %s (module=%s)", e.Kind, e.Message, e.Module)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// WithField attaches the offending field name to the error, for admission
// errors (spec §7: "kind + message + offending field if any").
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithModule attaches module attribution, for Sandbox/ResourceExhausted kinds.
func (e *Error) WithModule(module string) *Error {
	e.Module = module
	return e
}

func newErr(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapErr(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFound(message string) *Error     { return newErr(KindNotFound, message) }
func InvalidState(message string) *Error { return newErr(KindInvalidState, message) }
func InvalidInput(message string) *Error { return newErr(KindInvalidInput, message) }
func Unauthorized(message string) *Error { return newErr(KindUnauthorized, message) }
func ResourceExhausted(message string) *Error {
	return newErr(KindResourceExhausted, message)
}
func Sandbox(message string) *Error         { return newErr(KindSandbox, message) }
func StoreCorruption(message string) *Error { return newErr(KindStoreCorruption, message) }
func Transport(message string) *Error       { return newErr(KindTransport, message) }

func WrapNotFound(message string, err error) *Error { return wrapErr(KindNotFound, message, err) }
func WrapSandbox(message string, err error) *Error   { return wrapErr(KindSandbox, message, err) }
func WrapResourceExhausted(message string, err error) *Error {
	return wrapErr(KindResourceExhausted, message, err)
}
func WrapStoreCorruption(message string, err error) *Error {
	return wrapErr(KindStoreCorruption, message, err)
}
func WrapTransport(message string, err error) *Error { return wrapErr(KindTransport, message, err) }

// KindOf extracts the Kind from an error produced by this package, returning
// ("", false) for errors not produced here.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
