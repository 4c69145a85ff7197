package dbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"

	"github.com/busproto/dbus/fragments"
)

// Well-known error names used in replies.
const (
	errNameFailed        = "org.freedesktop.DBus.Error.Failed"
	errNameUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	errNameUnknownIface  = "org.freedesktop.DBus.Error.UnknownInterface"
	errNameUnknownProp   = "org.freedesktop.DBus.Error.UnknownProperty"
	errNameReadOnly      = "org.freedesktop.DBus.Error.PropertyReadOnly"
	errNameInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
)

// An InterfaceDef describes an interface implemented by an exported
// object: its methods, properties and signals.
type InterfaceDef struct {
	// Methods maps member names to their implementations.
	Methods map[string]MethodDef
	// Properties maps property names to their accessors.
	Properties map[string]PropertyDef
	// Signals maps signal names to the Go types they carry, for
	// emission from this interface.
	Signals map[string]SignalDef
	// Deprecated marks the whole interface as deprecated. It has no
	// behavioral effect.
	Deprecated bool
}

// A MethodDef describes one exported method.
type MethodDef struct {
	// Handler is the method implementation. It must have one of the
	// following type signatures, where ReqType and RetType are any
	// types representable on the wire:
	//
	//	func(context.Context, dbus.ObjectPath) error
	//	func(context.Context, dbus.ObjectPath) (RetType, error)
	//	func(context.Context, dbus.ObjectPath, ReqType) error
	//	func(context.Context, dbus.ObjectPath, ReqType) (RetType, error)
	Handler any
	// NoReply declares that callers are expected to invoke the
	// method fire-and-forget. It has no behavioral effect; whether a
	// reply is sent is decided by each call's own flags.
	NoReply bool
	// Deprecated marks the method as deprecated. It has no
	// behavioral effect.
	Deprecated bool
	// Privileged marks the method as requiring elevated privileges,
	// enforced by the bus's policy rather than by this library.
	Privileged bool
}

// A PropertyDef describes one exported property.
type PropertyDef struct {
	// Getter reads the property. It must have the type signature
	//
	//	func(context.Context, dbus.ObjectPath) (T, error)
	//
	// Getter is required.
	Getter any
	// Setter writes the property. It must have the type signature
	//
	//	func(context.Context, dbus.ObjectPath, T) error
	//
	// with the same T as Getter. A nil Setter makes the property
	// read-only.
	Setter any
	// Update describes how property changes are advertised to
	// watchers. The zero value emits full change signals.
	Update PropertyUpdateBehavior
	// Deprecated marks the property as deprecated. It has no
	// behavioral effect.
	Deprecated bool
}

// A SignalDef describes one signal emitted by an interface.
type SignalDef struct {
	// Type is the Go type carried by the signal, or nil for an
	// empty-bodied signal.
	Type reflect.Type
}

type exportKey struct {
	Path      ObjectPath
	Interface string
}

// vtable is the compiled form of an InterfaceDef, with all handler
// shapes validated and adapted.
type vtable struct {
	def     InterfaceDef
	methods map[string]*vtableMethod
	props   map[string]*vtableProp
}

type vtableMethod struct {
	fn handlerFunc
}

type vtableProp struct {
	sig    Signature
	get    func(ctx context.Context, path ObjectPath) (any, error)
	set    func(ctx context.Context, path ObjectPath, v Variant) error
	update PropertyUpdateBehavior
}

// Export registers def as the implementation of iface on the object
// at path. It fails with a [ValidationError] if path or iface is
// malformed, if any handler has an invalid shape, or if iface is
// already exported at path. The definition becomes visible to
// incoming calls atomically, and only if Export succeeds.
func (c *Conn) Export(path ObjectPath, iface string, def InterfaceDef) error {
	if err := path.Valid(); err != nil {
		return validationErr("object path", string(path), err.Error())
	}
	if err := checkInterfaceName(iface); err != nil {
		return err
	}

	vt := &vtable{
		def:     def,
		methods: make(map[string]*vtableMethod, len(def.Methods)),
		props:   make(map[string]*vtableProp, len(def.Properties)),
	}
	for name, m := range def.Methods {
		if err := checkMemberName(name); err != nil {
			return err
		}
		fn, err := handlerForFunc(m.Handler)
		if err != nil {
			return validationErr("method", iface+"."+name, err.Error())
		}
		vt.methods[name] = &vtableMethod{fn: fn}
	}
	for name, p := range def.Properties {
		if err := checkMemberName(name); err != nil {
			return err
		}
		vp, err := compileProp(p)
		if err != nil {
			return validationErr("property", iface+"."+name, err.Error())
		}
		vt.props[name] = vp
	}

	key := exportKey{path.Clean(), iface}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("export on closed connection")
	}
	if _, ok := c.exports[key]; ok {
		return validationErr("export", string(path)+" "+iface, "interface already exported at this path")
	}
	c.exports[key] = vt
	return nil
}

// Unexport removes the registration of iface at path, if any. Calls
// already dispatched to the old implementation run to completion.
func (c *Conn) Unexport(path ObjectPath, iface string) {
	key := exportKey{path.Clean(), iface}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.exports, key)
}

// lookupExport returns the vtable for (path, iface), or nil.
func (c *Conn) lookupExport(path ObjectPath, iface string) *vtable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exports[exportKey{path.Clean(), iface}]
}

// lookupMethod resolves a call target. An empty iface searches all
// interfaces exported at path, in unspecified order.
func (c *Conn) lookupMethod(path ObjectPath, iface, member string) (*vtable, *vtableMethod) {
	c.mu.Lock()
	defer c.mu.Unlock()
	path = path.Clean()
	if iface != "" {
		vt := c.exports[exportKey{path, iface}]
		if vt == nil {
			return nil, nil
		}
		return vt, vt.methods[member]
	}
	for k, vt := range c.exports {
		if k.Path != path {
			continue
		}
		if m := vt.methods[member]; m != nil {
			return vt, m
		}
	}
	return nil, nil
}

// dispatchCall runs the handler for an incoming method call and
// sends the reply, if one is wanted.
func (c *Conn) dispatchCall(ctx context.Context, msg *msg) {
	resp, errName, err := c.runHandler(ctx, msg)

	if !msg.hdr.WantReply() {
		return
	}
	serial := c.nextSerial()
	if serial == 0 {
		return
	}
	respHdr := &header{
		Type:        msgTypeReturn,
		Serial:      serial,
		Destination: msg.hdr.Sender,
		ReplySerial: msg.hdr.Serial,
	}
	if err != nil {
		respHdr.Type = msgTypeError
		respHdr.ErrName = errName
		if respHdr.ErrName == "" {
			respHdr.ErrName = errNameFailed
		}
		c.writeMsg(ctx, respHdr, err.Error())
		return
	}
	if err := c.writeMsg(ctx, respHdr, resp); err != nil {
		log.Printf("dbus: writing reply to %s.%s: %v", msg.hdr.Interface, msg.hdr.Member, err)
	}
}

// runHandler resolves and invokes the handler for msg. A non-empty
// errName classifies the returned error for the error reply.
func (c *Conn) runHandler(ctx context.Context, msg *msg) (resp any, errName string, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, errName, err = nil, errNameFailed, fmt.Errorf("handler panic: %v", r)
		}
	}()

	switch msg.hdr.Interface {
	case ifacePeer:
		return c.runPeerBuiltin(ctx, msg)
	case ifaceProps:
		return c.runPropsBuiltin(ctx, msg)
	}

	_, m := c.lookupMethod(msg.hdr.Path, msg.hdr.Interface, msg.hdr.Member)
	if m == nil {
		return nil, errNameUnknownMethod, fmt.Errorf("no method %s.%s on %s", msg.hdr.Interface, msg.hdr.Member, msg.hdr.Path)
	}

	ctx = withContextFiles(ctx, msg.files)
	resp, err = m.fn(ctx, msg.hdr.Path, msg.bodyDecoder())
	if err != nil {
		return nil, errNameFailed, err
	}
	return resp, "", nil
}

func (c *Conn) runPeerBuiltin(ctx context.Context, msg *msg) (any, string, error) {
	switch msg.hdr.Member {
	case "Ping":
		return nil, "", nil
	case "GetMachineId":
		id, err := machineID()
		if err != nil {
			return nil, errNameFailed, err
		}
		return id, "", nil
	}
	return nil, errNameUnknownMethod, fmt.Errorf("no method %s.%s", ifacePeer, msg.hdr.Member)
}

// handlerFunc is the compiled shape of a method implementation: it
// decodes the request off the wire, runs the method, and returns the
// value to encode as the reply body.
type handlerFunc func(ctx context.Context, object ObjectPath, req *fragments.Decoder) (any, error)

var (
	ctxType  = reflect.TypeFor[context.Context]()
	pathType = reflect.TypeFor[ObjectPath]()
	errType  = reflect.TypeFor[error]()
)

const msgInvalidHandlerSignature = "invalid handler func signature %s, valid signatures are:\n  func(context.Context, dbus.ObjectPath, ReqT) (RespT, error)\n  func(context.Context, dbus.ObjectPath) (RespT, error)\n  func(context.Context, dbus.ObjectPath, ReqT) error\n  func(context.Context, dbus.ObjectPath) error"

func handlerForFunc(fn any) (handlerFunc, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() {
		return nil, errors.New("nil handler function")
	}
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("non-function handler type %s", t)
	}
	ni, no := t.NumIn(), t.NumOut()

	if ni < 2 || ni > 3 || no < 1 || no > 2 {
		return nil, fmt.Errorf(msgInvalidHandlerSignature, t)
	}
	if !t.In(0).Implements(ctxType) {
		return nil, fmt.Errorf(msgInvalidHandlerSignature, t)
	}
	if t.In(1) != pathType {
		return nil, fmt.Errorf(msgInvalidHandlerSignature, t)
	}
	if !t.Out(no - 1).Implements(errType) {
		return nil, fmt.Errorf(msgInvalidHandlerSignature, t)
	}
	var (
		reqDec fragments.DecoderFunc
		err    error
	)
	if ni == 3 {
		reqDec, err = decoderFor(t.In(2))
		if err != nil {
			return nil, fmt.Errorf("request type %s is not a valid wire type: %w", t.In(2), err)
		}
	}
	if no == 2 {
		if _, err = encoderFor(t.Out(0)); err != nil {
			return nil, fmt.Errorf("response type %s is not a valid wire type: %w", t.Out(0), err)
		}
	}

	call := func(ctx context.Context, obj ObjectPath, req *fragments.Decoder) ([]reflect.Value, error) {
		args := []reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(obj)}
		if ni == 3 {
			body := reflect.New(t.In(2))
			if err := reqDec(ctx, req, body.Elem()); err != nil {
				return nil, err
			}
			args = append(args, body.Elem())
		}
		return v.Call(args), nil
	}

	if no == 1 {
		return func(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
			rets, err := call(ctx, obj, req)
			if err != nil {
				return nil, err
			}
			if err, _ := rets[0].Interface().(error); err != nil {
				return nil, err
			}
			return nil, nil
		}, nil
	}
	return func(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
		rets, err := call(ctx, obj, req)
		if err != nil {
			return nil, err
		}
		if err, _ := rets[1].Interface().(error); err != nil {
			return nil, err
		}
		return rets[0].Interface(), nil
	}, nil
}

// compileProp validates and adapts a property definition.
func compileProp(p PropertyDef) (*vtableProp, error) {
	if p.Getter == nil {
		return nil, errors.New("property has no Getter")
	}
	gv := reflect.ValueOf(p.Getter)
	gt := gv.Type()
	if gt.Kind() != reflect.Func || gt.NumIn() != 2 || gt.NumOut() != 2 ||
		!gt.In(0).Implements(ctxType) || gt.In(1) != pathType ||
		!gt.Out(1).Implements(errType) {
		return nil, fmt.Errorf("invalid Getter signature %s, want func(context.Context, dbus.ObjectPath) (T, error)", gt)
	}
	propType := gt.Out(0)
	sig, err := signatureFor(propType, nil)
	if err != nil {
		return nil, fmt.Errorf("property type %s is not a valid wire type: %w", propType, err)
	}

	ret := &vtableProp{
		sig:    sig,
		update: p.Update,
		get: func(ctx context.Context, path ObjectPath) (any, error) {
			rets := gv.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(path)})
			if err, _ := rets[1].Interface().(error); err != nil {
				return nil, err
			}
			return rets[0].Interface(), nil
		},
	}

	if p.Setter != nil {
		sv := reflect.ValueOf(p.Setter)
		st := sv.Type()
		if st.Kind() != reflect.Func || st.NumIn() != 3 || st.NumOut() != 1 ||
			!st.In(0).Implements(ctxType) || st.In(1) != pathType ||
			st.In(2) != propType || !st.Out(0).Implements(errType) {
			return nil, fmt.Errorf("invalid Setter signature %s, want func(context.Context, dbus.ObjectPath, %s) error", st, propType)
		}
		ret.set = func(ctx context.Context, path ObjectPath, v Variant) error {
			dst := reflect.New(propType)
			if err := v.Store(dst.Interface()); err != nil {
				return err
			}
			rets := sv.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(path), dst.Elem()})
			err, _ := rets[0].Interface().(error)
			return err
		}
	}

	return ret, nil
}
