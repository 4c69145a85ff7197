package dbus

import (
	"fmt"
	"reflect"
	"sync"
)

var (
	signalsMu        sync.Mutex
	signalNameToType = map[interfaceMember]reflect.Type{}
	signalTypeToName = map[reflect.Type]interfaceMember{}
)

// RegisterSignalType registers T as the struct type carried by the
// given signal name, in both directions: incoming signals of that
// name decode into T, and [Conn.Emit] accepts T values.
//
// RegisterSignalType panics if the signal already has a different
// registered type, or if T is already registered for a different
// signal.
func RegisterSignalType[T any](interfaceName, signalName string) {
	k := interfaceMember{interfaceName, signalName}
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Struct {
		panic(fmt.Errorf("cannot use type %s (%s) as the payload type for signal %s, signal payloads must be structs", t, t.Kind(), k))
	}
	if t != reflect.TypeFor[struct{}]() {
		if _, err := SignatureFor[T](); err != nil {
			panic(fmt.Errorf("cannot use %s as the payload type for signal %s: %w", t, k, err))
		}
	}
	signalsMu.Lock()
	defer signalsMu.Unlock()
	if prev := signalNameToType[k]; prev != nil && prev != t {
		panic(fmt.Errorf("duplicate signal type registration for %s, existing registration %s", k, prev))
	}
	if prev, ok := signalTypeToName[t]; ok && prev != k {
		panic(fmt.Errorf("duplicate signal type registration for %s, already in use by %s", t, prev))
	}
	signalNameToType[k] = t
	signalTypeToName[t] = k
}

// signalTypeFor returns the registered payload type for a signal
// name, or nil.
func signalTypeFor(interfaceName, signalName string) reflect.Type {
	signalsMu.Lock()
	defer signalsMu.Unlock()
	return signalNameToType[interfaceMember{interfaceName, signalName}]
}

// signalNameFor returns the signal name registered for the payload
// type t.
func signalNameFor(t reflect.Type) (interfaceMember, bool) {
	signalsMu.Lock()
	defer signalsMu.Unlock()
	k, ok := signalTypeToName[t]
	return k, ok
}
