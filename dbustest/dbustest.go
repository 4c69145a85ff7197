// Package dbustest provides an isolated in-process bus for tests.
//
// The bus listens on a unix socket in the test's temporary
// directory and implements enough of the bus protocol for client
// tests: unique name assignment, message routing between clients,
// signal broadcast, match bookkeeping, and the common directory
// queries.
package dbustest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/busproto/dbus"
	"github.com/busproto/dbus/fragments"
	"github.com/busproto/dbus/transport"
	"github.com/creachadair/taskgroup"
)

const busName = "org.freedesktop.DBus"

// Bus is an isolated bus instance for tests.
type Bus struct {
	sock string
	guid string
	lis  *net.UnixListener
	g    *taskgroup.Group

	mu     sync.Mutex
	closed bool
	nextID int
	conns  map[string]*busConn
}

// New starts a bus dedicated to the calling test. It is shut down
// automatically when the test ends.
func New(t *testing.T) *Bus {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "bus.sock")
	lis, err := net.ListenUnix("unix", &net.UnixAddr{Net: "unix", Name: sock})
	if err != nil {
		t.Fatalf("listening on bus socket: %v", err)
	}

	guid := make([]byte, 16)
	rand.Read(guid)
	ret := &Bus{
		sock:  sock,
		guid:  hex.EncodeToString(guid),
		lis:   lis,
		g:     taskgroup.New(nil),
		conns: map[string]*busConn{},
	}
	ret.g.Go(ret.acceptLoop)
	t.Cleanup(ret.Close)
	return ret
}

// Socket returns the path of the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// Conn opens a new client connection to the bus.
func (b *Bus) Conn(ctx context.Context, opts dbus.ConnOptions) (*dbus.Conn, error) {
	return dbus.DialOpt(ctx, b.sock, opts)
}

// MustConn opens a new client connection to the bus, failing the
// test on error. The connection is closed when the test ends.
func (b *Bus) MustConn(t *testing.T) *dbus.Conn {
	t.Helper()
	return b.mustConn(t, dbus.ConnOptions{})
}

// MustConnOpt is like [Bus.MustConn] with explicit connection
// options.
func (b *Bus) MustConnOpt(t *testing.T, opts dbus.ConnOptions) *dbus.Conn {
	t.Helper()
	return b.mustConn(t, opts)
}

func (b *Bus) mustConn(t *testing.T, opts dbus.ConnOptions) *dbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := b.Conn(ctx, opts)
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Close shuts the bus down and disconnects all clients.
func (b *Bus) Close() {
	var conns map[string]*busConn
	{
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.closed = true
		conns, b.conns = b.conns, nil
		b.mu.Unlock()
	}
	b.lis.Close()
	for _, c := range conns {
		c.t.Close()
	}
	b.g.Wait()
}

func (b *Bus) acceptLoop() error {
	for {
		conn, err := b.lis.AcceptUnix()
		if err != nil {
			// Listener closed, bus is shutting down.
			return nil
		}
		b.g.Go(func() error {
			b.serveConn(conn)
			return nil
		})
	}
}

// busConn is the bus side of one client connection.
type busConn struct {
	bus  *Bus
	t    *transport.UnixTransport
	name string

	writeMu sync.Mutex
	serial  uint32
}

func (b *Bus) serveConn(conn *net.UnixConn) {
	tr := transport.FromConn(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := tr.ServerHandshake(ctx, b.guid)
	cancel()
	if err != nil {
		tr.Close()
		return
	}

	bc := &busConn{bus: b, t: tr}
	defer b.dropConn(bc)

	for {
		m, err := readRaw(tr)
		if err != nil {
			return
		}
		if err := b.route(bc, m); err != nil {
			return
		}
	}
}

func (b *Bus) dropConn(bc *busConn) {
	b.mu.Lock()
	if bc.name != "" && b.conns != nil {
		delete(b.conns, bc.name)
	}
	b.mu.Unlock()
	bc.t.Close()
}

// otherConns returns a snapshot of all registered connections.
func (b *Bus) allConns() []*busConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := make([]*busConn, 0, len(b.conns))
	for _, c := range b.conns {
		ret = append(ret, c)
	}
	return ret
}

// route delivers one message received from bc.
func (b *Bus) route(bc *busConn, m *rawMsg) error {
	// The bus owns the sender field.
	m.setField(fieldSender, "s", bc.name)

	if m.typ == typeSignal {
		for _, dst := range b.allConns() {
			dst.writeRaw(m)
		}
		closeFiles(m.files)
		return nil
	}

	dest := m.fieldStr(fieldDestination)
	if dest == busName {
		defer closeFiles(m.files)
		return b.handleBuiltin(bc, m)
	}

	b.mu.Lock()
	dst := b.conns[dest]
	b.mu.Unlock()
	if dst == nil {
		closeFiles(m.files)
		if m.typ == typeCall && m.flags&flagNoReply == 0 {
			return bc.replyErr(m.serial, "org.freedesktop.DBus.Error.ServiceUnknown", fmt.Sprintf("no peer %q on this bus", dest))
		}
		return nil
	}
	return dst.writeRaw(m)
}

func (b *Bus) handleBuiltin(bc *busConn, m *rawMsg) error {
	if m.typ != typeCall {
		return nil
	}
	member := m.fieldStr(fieldMember)
	wantReply := m.flags&flagNoReply == 0

	fail := func(name, detail string) error {
		if !wantReply {
			return nil
		}
		return bc.replyErr(m.serial, name, detail)
	}

	switch member {
	case "Hello":
		if bc.name != "" {
			return fail("org.freedesktop.DBus.Error.Failed", "already introduced yourself")
		}
		name := func() string {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.conns == nil {
				return ""
			}
			b.nextID++
			n := fmt.Sprintf(":1.%d", b.nextID)
			b.conns[n] = bc
			return n
		}()
		if name == "" {
			return errors.New("bus closed")
		}
		bc.name = name
		if err := bc.reply(m.serial, "s", func(e *fragments.Encoder) {
			e.String(name)
		}); err != nil {
			return err
		}
		return bc.signal("/org/freedesktop/DBus", busName, "NameAcquired", "s", func(e *fragments.Encoder) {
			e.String(name)
		})

	case "AddMatch", "RemoveMatch":
		// Matches are accepted and forgotten: every signal is
		// broadcast to every client, which re-filters on its side
		// anyway.
		if !wantReply {
			return nil
		}
		return bc.reply(m.serial, "", nil)

	case "ListNames":
		names := []string{busName}
		b.mu.Lock()
		for n := range b.conns {
			names = append(names, n)
		}
		b.mu.Unlock()
		return bc.reply(m.serial, "as", func(e *fragments.Encoder) {
			e.Array(false, func() error {
				for _, n := range names {
					e.String(n)
				}
				return nil
			})
		})

	case "NameHasOwner":
		name, err := m.bodyString()
		if err != nil {
			return fail("org.freedesktop.DBus.Error.InvalidArgs", err.Error())
		}
		b.mu.Lock()
		_, ok := b.conns[name]
		b.mu.Unlock()
		var v uint32
		if ok || name == busName {
			v = 1
		}
		return bc.reply(m.serial, "b", func(e *fragments.Encoder) {
			e.Uint32(v)
		})

	case "GetNameOwner":
		name, err := m.bodyString()
		if err != nil {
			return fail("org.freedesktop.DBus.Error.InvalidArgs", err.Error())
		}
		b.mu.Lock()
		_, ok := b.conns[name]
		b.mu.Unlock()
		if !ok && name != busName {
			return fail("org.freedesktop.DBus.Error.NameHasNoOwner", fmt.Sprintf("name %q has no owner", name))
		}
		return bc.reply(m.serial, "s", func(e *fragments.Encoder) {
			e.String(name)
		})

	case "GetId":
		return bc.reply(m.serial, "s", func(e *fragments.Encoder) {
			e.String(b.guid)
		})

	case "Ping":
		if !wantReply {
			return nil
		}
		return bc.reply(m.serial, "", nil)
	}

	return fail("org.freedesktop.DBus.Error.UnknownMethod", fmt.Sprintf("the test bus does not implement %q", member))
}

// Wire plumbing. The bus reads and writes messages with its own
// minimal codec: it only ever inspects header fields and passes
// bodies through as opaque bytes.

const (
	typeCall   = 1
	typeReturn = 2
	typeError  = 3
	typeSignal = 4

	flagNoReply = 0x1

	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

type rawField struct {
	key uint8
	sig string
	str string
	u32 uint32
}

type rawMsg struct {
	order  fragments.ByteOrder
	typ    uint8
	flags  uint8
	serial uint32
	fields []rawField
	body   []byte
	files  []*os.File
}

func (m *rawMsg) fieldStr(key uint8) string {
	for _, f := range m.fields {
		if f.key == key {
			return f.str
		}
	}
	return ""
}

func (m *rawMsg) fieldU32(key uint8) uint32 {
	for _, f := range m.fields {
		if f.key == key {
			return f.u32
		}
	}
	return 0
}

func (m *rawMsg) setField(key uint8, sig, val string) {
	for i := range m.fields {
		if m.fields[i].key == key {
			m.fields[i].sig = sig
			m.fields[i].str = val
			return
		}
	}
	m.fields = append(m.fields, rawField{key: key, sig: sig, str: val})
}

// bodyString decodes the message body as a single string argument.
func (m *rawMsg) bodyString() (string, error) {
	if m.fieldStr(fieldSignature) != "s" {
		return "", fmt.Errorf("argument signature %q, want \"s\"", m.fieldStr(fieldSignature))
	}
	d := &fragments.Decoder{Order: m.order, In: bytes.NewReader(m.body)}
	return d.String()
}

func readRaw(tr transport.Transport) (*rawMsg, error) {
	d := &fragments.Decoder{Order: fragments.LittleEndian, In: tr}
	if err := d.ByteOrderFlag(); err != nil {
		return nil, err
	}
	ret := &rawMsg{order: d.Order}
	var err error
	if ret.typ, err = d.Uint8(); err != nil {
		return nil, err
	}
	if ret.flags, err = d.Uint8(); err != nil {
		return nil, err
	}
	if _, err = d.Uint8(); err != nil { // protocol version
		return nil, err
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if ret.serial, err = d.Uint32(); err != nil {
		return nil, err
	}
	_, err = d.Array(true, func(int) error {
		return d.Struct(func() error {
			key, err := d.Uint8()
			if err != nil {
				return err
			}
			sig, err := d.SignatureString()
			if err != nil {
				return err
			}
			f := rawField{key: key, sig: sig}
			switch sig {
			case "s", "o":
				if f.str, err = d.String(); err != nil {
					return err
				}
			case "g":
				if f.str, err = d.SignatureString(); err != nil {
					return err
				}
			case "u":
				if f.u32, err = d.Uint32(); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unsupported header field signature %q", sig)
			}
			ret.fields = append(ret.fields, f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if err := d.Pad(8); err != nil {
		return nil, err
	}
	if ret.body, err = d.Read(int(bodyLen)); err != nil {
		return nil, err
	}
	if n := ret.fieldU32(fieldNumFDs); n > 0 {
		if ret.files, err = tr.GetFiles(int(n)); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// writeRaw re-encodes m's header, in m's own byte order so that the
// opaque body stays valid, and sends the message.
func (bc *busConn) writeRaw(m *rawMsg) error {
	e := &fragments.Encoder{Order: m.order}
	e.ByteOrderFlag()
	e.Uint8(m.typ)
	e.Uint8(m.flags)
	e.Uint8(1)
	e.Uint32(uint32(len(m.body)))
	e.Uint32(m.serial)
	e.Array(true, func() error {
		for _, f := range m.fields {
			e.Struct(func() error {
				e.Uint8(f.key)
				e.SignatureString(f.sig)
				switch f.sig {
				case "s", "o":
					e.String(f.str)
				case "g":
					e.SignatureString(f.str)
				case "u":
					e.Uint32(f.u32)
				}
				return nil
			})
		}
		return nil
	})
	e.Pad(8)

	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	if _, err := bc.t.WriteWithFiles(e.Out, m.files); err != nil {
		return err
	}
	_, err := bc.t.Write(m.body)
	return err
}

// nextSerial allocates a serial for a bus-originated message.
func (bc *busConn) nextSerial() uint32 {
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	bc.serial++
	return bc.serial
}

// reply sends a method return to bc. sig and encode describe the
// body; both may be empty for a bodiless reply.
func (bc *busConn) reply(replyTo uint32, sig string, encode func(e *fragments.Encoder)) error {
	return bc.sendFromBus(typeReturn, replyTo, "", sig, encode, nil)
}

func (bc *busConn) replyErr(replyTo uint32, name, detail string) error {
	return bc.sendFromBus(typeError, replyTo, name, "s", func(e *fragments.Encoder) {
		e.String(detail)
	}, nil)
}

func (bc *busConn) signal(path, iface, member, sig string, encode func(e *fragments.Encoder)) error {
	return bc.sendFromBus(typeSignal, 0, "", sig, encode, &signalName{path, iface, member})
}

type signalName struct {
	path, iface, member string
}

func (bc *busConn) sendFromBus(typ uint8, replyTo uint32, errName, sig string, encode func(e *fragments.Encoder), sn *signalName) error {
	be := &fragments.Encoder{Order: fragments.LittleEndian}
	if encode != nil {
		encode(be)
	}

	m := &rawMsg{
		order:  fragments.LittleEndian,
		typ:    typ,
		serial: bc.nextSerial(),
		body:   be.Out,
	}
	m.setField(fieldSender, "s", busName)
	if bc.name != "" {
		m.setField(fieldDestination, "s", bc.name)
	}
	if replyTo != 0 {
		m.fields = append(m.fields, rawField{key: fieldReplySerial, sig: "u", u32: replyTo})
	}
	if errName != "" {
		m.setField(fieldErrName, "s", errName)
	}
	if sn != nil {
		m.setField(fieldPath, "o", sn.path)
		m.setField(fieldInterface, "s", sn.iface)
		m.setField(fieldMember, "s", sn.member)
	}
	if len(m.body) > 0 {
		m.setField(fieldSignature, "g", sig)
	}
	return bc.writeRaw(m)
}

func closeFiles(fs []*os.File) {
	for _, f := range fs {
		f.Close()
	}
}
