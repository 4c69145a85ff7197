package dbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Interface is a set of methods, properties and signals offered by
// an [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the connection the interface is bound to.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Call calls method with the given request body and writes the
// response into response, blocking until the reply arrives or ctx is
// done.
//
// This is a low-level calling API. It is the caller's responsibility
// to match the body and response types to the signature of the
// method being invoked. Body may be nil for methods that accept no
// parameters. Response may be nil to ignore the reply body, or a
// *any to accept a reply of any shape.
func (f Interface) Call(ctx context.Context, method string, body any, response any) error {
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, response)
}

// OneWay calls method with the given request body and tells the peer
// not to send a reply.
//
// OneWay returns once the call is successfully sent. Since the
// response is suppressed at the bus level, there is no way to know
// whether the call was delivered to anyone, or acted upon.
func (f Interface) OneWay(ctx context.Context, method string, body any) error {
	return f.Conn().oneWay(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body)
}

// Go starts a method call without waiting for its reply. The reply
// body, when it arrives, is written into response, and the returned
// [PendingCall] completes.
//
// Cancellation of ctx cancels the pending call, but an already
// started call is not retracted from the peer: the method may still
// run, only its reply is discarded.
func (f Interface) Go(ctx context.Context, method string, body any, response any) (*PendingCall, error) {
	pending, err := f.Conn().startCall(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, response)
	if err != nil {
		return nil, err
	}
	pending.arm(ctx, 0, false)
	return pending, nil
}

// GoWithTimeout is like [Interface.Go] with a deadline relative to
// the call's send time. A timeout of zero or less completes the call
// immediately with [ErrCallTimeout]; the call is still sent, only
// its reply is discarded.
func (f Interface) GoWithTimeout(ctx context.Context, method string, body any, response any, timeout time.Duration) (*PendingCall, error) {
	pending, err := f.Conn().startCall(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, response)
	if err != nil {
		return nil, err
	}
	pending.arm(ctx, timeout, true)
	return pending, nil
}

// Call calls method on iface and returns the response, which must
// decode as type RespT.
func Call[RespT any](ctx context.Context, iface Interface, method string, body any) (RespT, error) {
	var ret RespT
	err := iface.Call(ctx, method, body, &ret)
	return ret, err
}

// GetProperty reads the property name on iface as type T.
func GetProperty[T any](ctx context.Context, iface Interface, name string) (T, error) {
	var ret T
	err := iface.GetProperty(ctx, name, &ret)
	return ret, err
}

// GetProperty reads the value of the given property into val.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface. val may also be of type *any to
// retrieve a property without knowing its type.
func (f Interface) GetProperty(ctx context.Context, name string, val any) error {
	want := reflect.ValueOf(val)
	if !want.IsValid() {
		return errors.New("cannot read property into nil interface")
	}
	if want.Kind() != reflect.Pointer {
		return errors.New("cannot read property into non-pointer")
	}
	if want.IsNil() {
		return errors.New("cannot read property into nil pointer")
	}

	var resp Variant
	req := struct {
		InterfaceName string
		PropertyName  string
	}{f.name, name}
	err := f.Object().Interface(ifaceProps).Call(ctx, "Get", req, &resp)
	if err != nil {
		return err
	}

	if p, ok := val.(*any); ok {
		*p = resp.Value()
		return nil
	}
	got := reflect.ValueOf(resp.Value())
	if !got.Type().AssignableTo(want.Type().Elem()) {
		return fmt.Errorf("property type %s is not assignable to %s", got.Type(), want.Type().Elem())
	}
	want.Elem().Set(got)

	return nil
}

// SetProperty sets the given property to value.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface.
func (f Interface) SetProperty(ctx context.Context, name string, value any) error {
	v, err := NewVariant(value)
	if err != nil {
		return err
	}
	req := struct {
		InterfaceName string
		PropertyName  string
		Value         Variant
	}{f.name, name, v}
	return f.Object().Interface(ifaceProps).Call(ctx, "Set", req, nil)
}

// GetAllProperties returns all the properties exported by the
// interface.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]any, error) {
	var resp map[string]Variant
	err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll", f.name, &resp)
	if err != nil {
		return nil, err
	}

	ret := make(map[string]any, len(resp))
	for k, v := range resp {
		ret[k] = v.Value()
	}
	return ret, nil
}
