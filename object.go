package dbus

// Object is one node in a peer's object tree.
type Object struct {
	p    Peer
	path ObjectPath
}

// Conn returns the connection the Object is bound to.
func (o Object) Conn() *Conn { return o.p.Conn() }

// Peer returns the peer that owns the object.
func (o Object) Peer() Peer { return o.p }

// Path returns the object's path.
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return o.p.String() + ":" + string(o.path)
}

// Interface returns a handle on one of the object's interfaces.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Child returns the object at the given path relative to o.
func (o Object) Child(rel string) Object {
	return Object{
		p:    o.p,
		path: o.path.Child(rel),
	}
}
