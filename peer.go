package dbus

import (
	"context"
)

// Peer is a named participant on the bus: another client, a service,
// or the bus itself.
//
// A Peer is a purely local handle. Constructing one does not verify
// that the name exists or is reachable.
type Peer struct {
	c    *Conn
	name string
}

// Conn returns the connection the Peer is bound to.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Ping checks that the peer is reachable.
func (p Peer) Ping(ctx context.Context) error {
	return p.c.call(ctx, p.name, "/", ifacePeer, "Ping", nil, nil)
}

// MachineID returns the identity of the machine the peer runs on.
func (p Peer) MachineID(ctx context.Context) (string, error) {
	var ret string
	err := p.c.call(ctx, p.name, "/", ifacePeer, "GetMachineId", nil, &ret)
	return ret, err
}

// Object returns a handle on one of the peer's objects.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}
