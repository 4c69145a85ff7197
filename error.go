package dbus

import (
	"errors"
	"fmt"
	"reflect"
)

// TypeError is the error returned when a Go type cannot be
// represented in the wire format at all.
type TypeError struct {
	// Type is the name of the offending type.
	Type string
	// Reason explains why the type is not representable.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error { return e.Reason }

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := "<nil>"
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// TypeMismatchError is the error returned when a decode finds a wire
// value whose signature does not match the requested Go type.
//
// After a TypeMismatchError the decode cursor is in an undefined
// position; the caller must abandon the message it was reading.
type TypeMismatchError struct {
	// Want is the signature of the requested type.
	Want string
	// Got is the signature found in the message.
	Got string
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("wire type mismatch: message carries %q, requested %q", e.Got, e.Want)
}

// ValidationError is the error returned for malformed object paths,
// interface, member and bus names, and for invalid registrations.
// It is raised at construction or registration time, never during
// dispatch.
type ValidationError struct {
	// What names the malformed thing (e.g. "interface name").
	What string
	// Value is the offending value.
	Value string
	// Reason explains the failure.
	Reason string
}

func (e ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.What, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.What, e.Value, e.Reason)
}

func validationErr(what, value, reason string, args ...any) error {
	return ValidationError{what, value, fmt.Sprintf(reason, args...)}
}

// CallError is the failure reported by a remote peer in response to a
// method call, carrying the peer's error name and optional detail.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is a human-readable explanation, if the peer sent one.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

var (
	// ErrCallTimeout is returned for calls whose deadline elapsed
	// before a reply arrived. A late reply is silently discarded.
	ErrCallTimeout = errors.New("dbus: method call timed out")

	// ErrCallCancelled is returned for pending calls cancelled before
	// completion.
	ErrCallCancelled = errors.New("dbus: method call cancelled")
)
