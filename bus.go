package dbus

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// Well-known names of the bus itself and of the standard interfaces
// every connection speaks.
const (
	busPeerName   = "org.freedesktop.DBus"
	busObjectPath = ObjectPath("/org/freedesktop/DBus")

	ifaceBus   = "org.freedesktop.DBus"
	ifacePeer  = "org.freedesktop.DBus.Peer"
	ifaceProps = "org.freedesktop.DBus.Properties"
)

// NameOwnerChanged is the signal broadcast by the bus when ownership
// of a name changes hands. An empty Prev means the name is newly
// claimed, an empty New means it is now unowned.
type NameOwnerChanged struct {
	Name string
	Prev string
	New  string
}

// NameAcquired is the signal sent by the bus to a client that gained
// ownership of a name.
type NameAcquired struct {
	Name string
}

// NameLost is the signal sent by the bus to a client that lost
// ownership of a name.
type NameLost struct {
	Name string
}

// ListNames returns the names currently present on the bus: the
// unique name of every connected client, plus all claimed well-known
// names.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	return Call[[]string](ctx, c.bus, "ListNames", nil)
}

// ListActivatableNames returns the well-known names the bus can
// start on demand.
func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	return Call[[]string](ctx, c.bus, "ListActivatableNames", nil)
}

// NameHasOwner reports whether name currently has an owner.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	return Call[bool](ctx, c.bus, "NameHasOwner", name)
}

// GetNameOwner returns the unique name of the current owner of name.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	return Call[string](ctx, c.bus, "GetNameOwner", name)
}

// GetPeerUID returns the unix user ID of the client that owns name.
func (c *Conn) GetPeerUID(ctx context.Context, name string) (uint32, error) {
	return Call[uint32](ctx, c.bus, "GetConnectionUnixUser", name)
}

// GetPeerPID returns the process ID of the client that owns name.
func (c *Conn) GetPeerPID(ctx context.Context, name string) (uint32, error) {
	return Call[uint32](ctx, c.bus, "GetConnectionUnixProcessID", name)
}

// GetBusID returns the bus's globally unique identifier.
func (c *Conn) GetBusID(ctx context.Context) (string, error) {
	return Call[string](ctx, c.bus, "GetId", nil)
}

// machineID reads the stable identifier of the local machine, for
// the GetMachineId builtin.
var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})
