// Package mcperr defines the closed error taxonomy shared by every layer of the
// daemon. Each error carries a family, a machine-readable kind, a message and
// an optional cause, so HTTP handlers can map failures to status codes without
// string matching.
package mcperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Family groups related error kinds.
type Family string

const (
	FamilyConnection Family = "ConnectionError"
	FamilySession    Family = "SessionError"
	FamilyCall       Family = "CallError"
	FamilyControl    Family = "ControlError"
)

// Kind identifies a specific failure within a family.
type Kind string

const (
	// ConnectionError kinds.
	HandshakeFailed Kind = "HandshakeFailed"
	NotReady        Kind = "NotReady"
	UnknownServer   Kind = "UnknownServer"

	// SessionError kinds.
	NotFound   Kind = "NotFound"
	BadRequest Kind = "BadRequest"

	// CallError kinds.
	Timeout       Kind = "Timeout"
	TransportLost Kind = "TransportLost"
	Rejected      Kind = "Rejected"

	// ControlError kinds.
	ShuttingDown Kind = "ShuttingDown"
)

// Error is the single concrete error type of the taxonomy.
type Error struct {
	Family  Family
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%s): %s: %v", e.Family, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s(%s): %s", e.Family, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same family and kind, which
// lets the sentinel values below be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Family == t.Family && e.Kind == t.Kind
}

// Code returns the "<Family>.<Kind>" identifier used on the wire.
func (e *Error) Code() string {
	return string(e.Family) + "." + string(e.Kind)
}

// Sentinels for errors.Is checks. They carry no message.
var (
	ErrHandshakeFailed = &Error{Family: FamilyConnection, Kind: HandshakeFailed}
	ErrNotReady        = &Error{Family: FamilyConnection, Kind: NotReady}
	ErrUnknownServer   = &Error{Family: FamilyConnection, Kind: UnknownServer}
	ErrNotFound        = &Error{Family: FamilySession, Kind: NotFound}
	ErrBadRequest      = &Error{Family: FamilySession, Kind: BadRequest}
	ErrTimeout         = &Error{Family: FamilyCall, Kind: Timeout}
	ErrTransportLost   = &Error{Family: FamilyCall, Kind: TransportLost}
	ErrRejected        = &Error{Family: FamilyCall, Kind: Rejected}
	ErrShuttingDown    = &Error{Family: FamilyControl, Kind: ShuttingDown}
)

func newError(family Family, kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Family: family, Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Connection builds a ConnectionError.
func Connection(kind Kind, cause error, format string, args ...any) *Error {
	return newError(FamilyConnection, kind, cause, format, args...)
}

// Session builds a SessionError.
func Session(kind Kind, format string, args ...any) *Error {
	return newError(FamilySession, kind, nil, format, args...)
}

// Call builds a CallError.
func Call(kind Kind, cause error, format string, args ...any) *Error {
	return newError(FamilyCall, kind, cause, format, args...)
}

// Control builds a ControlError.
func Control(kind Kind, format string, args ...any) *Error {
	return newError(FamilyControl, kind, nil, format, args...)
}

// As extracts the taxonomy error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not part of the taxonomy.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps err onto the status code used by the control surface.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case NotFound, UnknownServer:
		return http.StatusNotFound
	case BadRequest:
		return http.StatusBadRequest
	case NotReady, ShuttingDown:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case HandshakeFailed, TransportLost, Rejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
