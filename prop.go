package dbus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// PropertyUpdateBehavior describes how changes to an exported
// property are advertised to remote watchers.
type PropertyUpdateBehavior int

const (
	// EmitsChangeSignal advertises changes with the property's new
	// value included in the change signal. This is the default.
	EmitsChangeSignal PropertyUpdateBehavior = iota
	// EmitsInvalidationSignal advertises that the property changed
	// without including the new value. Interested watchers re-read
	// the property themselves.
	EmitsInvalidationSignal
	// EmitsNoSignal makes changes silent.
	EmitsNoSignal
	// ConstProperty declares that the property never changes after
	// export. Writes to it are rejected.
	ConstProperty
)

// PropertiesChanged is the signal broadcast when exported properties
// change value.
type PropertiesChanged struct {
	// Interface is the interface whose properties changed.
	Interface string
	// Changed maps property names to their new values.
	Changed map[string]Variant
	// Invalidated lists properties that changed without their new
	// value being included.
	Invalidated []string
}

// runPropsBuiltin serves the standard property access interface on
// behalf of all exported objects.
func (c *Conn) runPropsBuiltin(ctx context.Context, m *msg) (any, string, error) {
	switch m.hdr.Member {
	case "Get":
		var req struct {
			Interface string
			Name      string
		}
		if err := m.decodeInto(ctx, &req); err != nil {
			return nil, errNameInvalidArgs, err
		}
		vp, errName, err := c.findProp(m.hdr.Path, req.Interface, req.Name)
		if err != nil {
			return nil, errName, err
		}
		val, err := vp.get(ctx, m.hdr.Path)
		if err != nil {
			return nil, errNameFailed, err
		}
		ret, err := NewVariant(val)
		if err != nil {
			return nil, errNameFailed, err
		}
		return ret, "", nil

	case "Set":
		var req struct {
			Interface string
			Name      string
			Value     Variant
		}
		if err := m.decodeInto(ctx, &req); err != nil {
			return nil, errNameInvalidArgs, err
		}
		vp, errName, err := c.findProp(m.hdr.Path, req.Interface, req.Name)
		if err != nil {
			return nil, errName, err
		}
		if vp.set == nil || vp.update == ConstProperty {
			return nil, errNameReadOnly, fmt.Errorf("property %s.%s is not writable", req.Interface, req.Name)
		}
		if err := vp.set(ctx, m.hdr.Path, req.Value); err != nil {
			return nil, errNameFailed, err
		}
		c.notifyPropChange(ctx, m.hdr.Path, req.Interface, req.Name, vp, req.Value)
		return nil, "", nil

	case "GetAll":
		var req struct {
			Interface string
		}
		if err := m.decodeInto(ctx, &req); err != nil {
			return nil, errNameInvalidArgs, err
		}
		vt := c.lookupExport(m.hdr.Path, req.Interface)
		if vt == nil {
			return nil, errNameUnknownIface, fmt.Errorf("no interface %s on %s", req.Interface, m.hdr.Path)
		}
		ret := make(map[string]Variant, len(vt.props))
		for name, vp := range vt.props {
			val, err := vp.get(ctx, m.hdr.Path)
			if err != nil {
				return nil, errNameFailed, fmt.Errorf("reading property %s: %w", name, err)
			}
			v, err := NewVariant(val)
			if err != nil {
				return nil, errNameFailed, err
			}
			ret[name] = v
		}
		return ret, "", nil
	}
	return nil, errNameUnknownMethod, fmt.Errorf("no method %s.%s", ifaceProps, m.hdr.Member)
}

func (c *Conn) findProp(path ObjectPath, iface, name string) (*vtableProp, string, error) {
	vt := c.lookupExport(path, iface)
	if vt == nil {
		return nil, errNameUnknownIface, fmt.Errorf("no interface %s on %s", iface, path)
	}
	vp := vt.props[name]
	if vp == nil {
		return nil, errNameUnknownProp, fmt.Errorf("no property %s.%s on %s", iface, name, path)
	}
	return vp, "", nil
}

// notifyPropChange broadcasts a property change according to the
// property's update behavior.
func (c *Conn) notifyPropChange(ctx context.Context, path ObjectPath, iface, name string, vp *vtableProp, val Variant) {
	sig := PropertiesChanged{Interface: iface}
	switch vp.update {
	case EmitsChangeSignal:
		sig.Changed = map[string]Variant{name: val}
	case EmitsInvalidationSignal:
		sig.Invalidated = []string{name}
	default:
		return
	}
	c.Emit(ctx, path, sig)
}

// Remote property types, for decoding incoming change notifications
// onto their natural Go types.

var (
	propTypesMu sync.Mutex
	propTypes   = map[interfaceMember]reflect.Type{}
)

type interfaceMember struct {
	Interface string
	Member    string
}

func (im interfaceMember) String() string {
	return im.Interface + "." + im.Member
}

// RegisterPropertyType associates the type T with the given remote
// interface and property name, so that change notifications for it
// decode into T values.
func RegisterPropertyType[T any](iface, property string) {
	k := interfaceMember{iface, property}
	t := reflect.TypeFor[T]()
	if _, err := signatureFor(t, nil); err != nil {
		panic(fmt.Errorf("registering property type %s for %s: %w", t, k, err))
	}
	propTypesMu.Lock()
	defer propTypesMu.Unlock()
	if prev, ok := propTypes[k]; ok && prev != t {
		panic(fmt.Errorf("conflicting registrations for property %s: %s and %s", k, prev, t))
	}
	propTypes[k] = t
}

func propTypeFor(iface, property string) reflect.Type {
	propTypesMu.Lock()
	defer propTypesMu.Unlock()
	return propTypes[interfaceMember{iface, property}]
}
