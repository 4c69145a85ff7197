package dbus

import (
	"context"
	"reflect"
	"strings"

	"github.com/busproto/dbus/fragments"
)

// ObjectPath is the hierarchical identifier of an object on the bus,
// a slash-separated string like "/org/example/Player0".
type ObjectPath string

// Valid reports whether the path conforms to the bus path grammar:
// "/" or "/"-separated nonempty segments of [A-Za-z0-9_]+.
func (p ObjectPath) Valid() error {
	s := string(p)
	if s == "" {
		return validationErr("object path", s, "path is empty")
	}
	if s[0] != '/' {
		return validationErr("object path", s, "path must start with /")
	}
	if s == "/" {
		return nil
	}
	for _, seg := range strings.Split(s[1:], "/") {
		if seg == "" {
			return validationErr("object path", s, "empty path segment")
		}
		for i := 0; i < len(seg); i++ {
			if !isNameByte(seg[i], true) {
				return validationErr("object path", s, "path segments must match [A-Za-z0-9_]+")
			}
		}
	}
	return nil
}

// Clean returns the path with any trailing slash removed.
func (p ObjectPath) Clean() ObjectPath {
	if len(p) > 1 {
		return ObjectPath("/" + strings.Trim(string(p), "/"))
	}
	return p
}

// Child returns the path of rel appended below p.
func (p ObjectPath) Child(rel string) ObjectPath {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return p.Clean()
	}
	if base := p.Clean(); base != "/" {
		return base + ObjectPath("/"+rel)
	}
	return ObjectPath("/" + rel)
}

// IsChildOf reports whether p is strictly below parent in the path
// hierarchy.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	parent = parent.Clean()
	if parent == "/" {
		return len(p) > 1
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

func (p ObjectPath) String() string { return string(p) }

var pathSignature = mkSignature(reflect.TypeFor[ObjectPath](), "o")

func (p ObjectPath) SignatureDBus() Signature { return pathSignature }
func (p ObjectPath) IsDBusStruct() bool       { return false }

func (p ObjectPath) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.String(string(p))
	return nil
}

func (p *ObjectPath) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	s, err := d.String()
	if err != nil {
		return err
	}
	*p = ObjectPath(s)
	return nil
}
