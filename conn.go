package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"maps"
	"net"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/busproto/dbus/fragments"
	"github.com/busproto/dbus/transport"
	"github.com/creachadair/mds/mapset"
)

// ConnOptions alters the behavior of a new connection.
type ConnOptions struct {
	// ExternalDispatch disables the connection's background read
	// loop. The owner of the connection is then responsible for
	// driving message processing, by calling [Conn.Process] when
	// [Conn.PollDescriptor] signals readability or
	// [Conn.NextDeadline] passes.
	//
	// In this mode method handlers run on the goroutine that calls
	// Process, and synchronous calls process incoming messages
	// inline while they wait.
	ExternalDispatch bool
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	return Dial(ctx, "/run/dbus/system_bus_socket")
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	path := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if path == "" {
		return nil, errors.New("session bus not available")
	}
	for _, uri := range strings.Split(path, ";") {
		addr, ok := strings.CutPrefix(uri, "unix:path=")
		if !ok {
			continue
		}
		return Dial(ctx, addr)
	}
	return nil, fmt.Errorf("could not find usable session bus address in DBUS_SESSION_BUS_ADDRESS value %q", path)
}

// Dial connects to the bus at the given unix socket path.
func Dial(ctx context.Context, path string) (*Conn, error) {
	return DialOpt(ctx, path, ConnOptions{})
}

// DialOpt is like [Dial] with explicit connection options.
func DialOpt(ctx context.Context, path string, opts ConnOptions) (*Conn, error) {
	t, err := transport.DialUnix(ctx, path)
	if err != nil {
		return nil, err
	}
	return newConn(ctx, t, opts)
}

func newConn(ctx context.Context, t transport.Transport, opts ConnOptions) (*Conn, error) {
	ret := &Conn{
		t:        t,
		external: opts.ExternalDispatch,
		enc: fragments.Encoder{
			Order:  fragments.NativeEndian,
			Mapper: encoderFor,
		},
		calls:   map[uint32]*PendingCall{},
		exports: map[exportKey]*vtable{},
	}
	ret.bus = ret.
		Peer(busPeerName).
		Object(busObjectPath).
		Interface(ifaceBus)

	if !ret.external {
		go ret.readLoop()
	}

	if err := ret.bus.Call(ctx, "Hello", nil, &ret.clientID); err != nil {
		ret.Close()
		return nil, fmt.Errorf("getting bus client ID: %w", err)
	}

	return ret, nil
}

// Conn is a connection to a message bus.
type Conn struct {
	t        transport.Transport
	clientID string
	external bool

	bus Interface

	writeMu sync.Mutex
	enc     fragments.Encoder
	encBody []byte
	encHdr  []byte

	mu         sync.Mutex
	closed     bool
	calls      map[uint32]*PendingCall
	lastSerial uint32
	watchers   mapset.Set[*Watcher]
	exports    map[exportKey]*vtable
}

func (c *Conn) lockedWatchers() iter.Seq[*Watcher] {
	return func(yield func(*Watcher) bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		for w := range c.watchers {
			if !yield(w) {
				return
			}
		}
	}
}

// Close closes the connection. In-flight calls complete with
// [net.ErrClosed], and active watchers are closed.
func (c *Conn) Close() error {
	var (
		pend map[uint32]*PendingCall
		ws   mapset.Set[*Watcher]
	)
	{
		c.mu.Lock()
		c.closed = true
		pend, c.calls = c.calls, nil
		ws, c.watchers = c.watchers, nil
		c.mu.Unlock()
	}
	for p := range maps.Values(pend) {
		p.complete(net.ErrClosed)
	}
	for w := range ws {
		w.Close()
	}
	return c.t.Close()
}

// LocalName returns the connection's unique bus name.
func (c *Conn) LocalName() string {
	return c.clientID
}

// Peer returns a Peer for the given bus name.
//
// The returned value is a purely local handle. It does not indicate
// that the requested peer exists, or that it is currently reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{
		c:    c,
		name: name,
	}
}

// nextSerial allocates a message serial. It returns 0 if the
// connection is closed.
func (c *Conn) nextSerial() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	c.lastSerial++
	return c.lastSerial
}

func (c *Conn) writeMsg(ctx context.Context, hdr *header, body any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var files []*os.File
	c.encBody = c.encBody[:0]
	if body != nil {
		bodyCtx := withContextPutFiles(ctx, &files)
		c.enc.Out = c.encBody
		if err := c.enc.Value(bodyCtx, body); err != nil {
			return err
		}
		sig, err := SignatureOf(body)
		if err != nil {
			return err
		}
		hdr.Length = uint32(len(c.enc.Out))
		hdr.Signature = sig
		hdr.NumFDs = uint32(len(files))
		c.encBody = c.enc.Out
	} else {
		hdr.Length = 0
		hdr.Signature = Signature{}
		hdr.NumFDs = 0
	}

	c.enc.Out = c.encHdr[:0]
	hdr.Order = c.enc.Order
	if err := hdr.encodeTo(ctx, &c.enc); err != nil {
		return err
	}
	c.encHdr = c.enc.Out

	if _, err := c.t.WriteWithFiles(c.encHdr, files); err != nil {
		return err
	}
	if _, err := c.t.Write(c.encBody); err != nil {
		return err
	}

	return nil
}

func (c *Conn) readLoop() {
	for {
		if err := c.processOne(context.Background()); errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			// Conn was shut down.
			return
		} else if err != nil {
			// Errors that bubble out here are protocol violations by
			// the peer, not failures of a single call; individual
			// call failures complete their PendingCall instead.
			log.Printf("dbus: read error: %v", err)
		}
	}
}

// readMsg reads one complete message from c.t. Must not be called
// concurrently; the read loop or the Process caller owns the read
// side.
func (c *Conn) readMsg(ctx context.Context) (*msg, error) {
	dec := fragments.Decoder{
		Order:  fragments.NativeEndian,
		Mapper: decoderFor,
		In:     c.t,
	}
	var ret msg
	if err := ret.hdr.decodeFrom(ctx, &dec); err != nil {
		return nil, err
	}
	var err error
	ret.body, err = io.ReadAll(io.LimitReader(c.t, int64(ret.hdr.Length)))
	if err != nil {
		return nil, err
	}
	ret.files, err = c.t.GetFiles(int(ret.hdr.NumFDs))
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

// processOne reads and dispatches one message, blocking until one
// arrives.
func (c *Conn) processOne(ctx context.Context) error {
	msg, err := c.readMsg(ctx)
	if err != nil {
		return err
	}
	if err := msg.hdr.Valid(); err != nil {
		return fmt.Errorf("received invalid header: %w", err)
	}

	if msg.hdr.Sender != "" {
		ctx = withContextSender(ctx, c.Peer(msg.hdr.Sender).Object(msg.hdr.Path).Interface(msg.hdr.Interface))
	}

	switch msg.hdr.Type {
	case msgTypeCall:
		if c.external {
			// Manual dispatch runs handlers on the processing
			// goroutine.
			c.dispatchCall(ctx, msg)
		} else {
			go c.dispatchCall(ctx, msg)
		}
		return nil
	case msgTypeReturn:
		return c.dispatchReturn(ctx, msg)
	case msgTypeError:
		return c.dispatchErr(ctx, msg)
	case msgTypeSignal:
		return c.dispatchSignal(ctx, msg)
	}
	return nil
}

// claimCall removes and returns the pending call with the given
// serial, or nil if the call was cancelled or never existed.
func (c *Conn) claimCall(serial uint32) *PendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := c.calls[serial]
	delete(c.calls, serial)
	return ret
}

// forgetCall removes the pending call with the given serial and
// reports whether it was still pending. Used by cancellation, which
// may race with reply delivery; the remover wins.
func (c *Conn) forgetCall(serial uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.calls[serial]; !ok {
		return false
	}
	delete(c.calls, serial)
	return true
}

func (c *Conn) dispatchReturn(ctx context.Context, msg *msg) error {
	pending := c.claimCall(msg.hdr.ReplySerial)
	if pending == nil {
		// Reply to a cancelled or unknown call, discard.
		return nil
	}

	if pending.resp != nil {
		if err := msg.decodeInto(ctx, pending.resp); err != nil {
			// A reply of the wrong shape fails this call only.
			pending.complete(err)
			return nil
		}
	}
	pending.complete(nil)
	return nil
}

func (c *Conn) dispatchErr(ctx context.Context, msg *msg) error {
	pending := c.claimCall(msg.hdr.ReplySerial)
	if pending == nil {
		// Reply to a cancelled or unknown call, discard.
		return nil
	}

	detail := func() string {
		if msg.hdr.Signature.IsZero() {
			return ""
		}
		if s := msg.hdr.Signature.asMsgBody().String(); !strings.HasPrefix(s, "s") {
			return ""
		}
		detail, err := msg.bodyDecoder().String()
		if err != nil {
			return fmt.Sprintf("got error while decoding error detail: %v", err)
		}
		return detail
	}()

	pending.complete(CallError{
		Name:   msg.hdr.ErrName,
		Detail: detail,
	})
	return nil
}

func (c *Conn) dispatchSignal(ctx context.Context, msg *msg) error {
	var propErr error
	if msg.hdr.Interface == ifaceProps && msg.hdr.Member == "PropertiesChanged" {
		propErr = c.dispatchPropChange(ctx, msg)
	}

	signalType := signalTypeFor(msg.hdr.Interface, msg.hdr.Member)
	if signalType == nil && !msg.hdr.Signature.IsZero() {
		// Unregistered signals materialize as an anonymous struct
		// wrapping the body.
		signalType = msg.hdr.Signature.asStruct().Type()
	}
	if signalType == nil {
		signalType = reflect.TypeFor[struct{}]()
	}

	emitter := c.Peer(msg.hdr.Sender).Object(msg.hdr.Path).Interface(msg.hdr.Interface)

	signal := reflect.New(signalType)
	ctx = withContextFiles(ctx, msg.files)
	if !msg.hdr.Signature.IsZero() {
		if err := msg.bodyDecoder().Value(ctx, signal.Interface()); err != nil {
			return errors.Join(propErr, err)
		}
	}

	for w := range c.lockedWatchers() {
		w.deliverSignal(emitter, &msg.hdr, signal)
	}

	return propErr
}

func (c *Conn) dispatchPropChange(ctx context.Context, msg *msg) error {
	body := msg.bodyDecoder()

	iface, err := body.String()
	if err != nil {
		return err
	}

	emitter := c.Peer(msg.hdr.Sender).Object(msg.hdr.Path).Interface(iface)

	// Decode the changed-property dict by hand, mapping each variant
	// value straight onto its registered property type.
	_, err = body.Array(true, func(int) error {
		return body.Struct(func() error {
			propName, err := body.String()
			if err != nil {
				return err
			}
			var propSig Signature
			if err := body.Value(ctx, &propSig); err != nil {
				return err
			}
			t := propTypeFor(iface, propName)
			var v reflect.Value
			if t != nil && t == propSig.Type() {
				v = reflect.New(t)
			} else {
				t = nil
				v = reflect.New(propSig.Type())
			}
			if err := body.Value(ctx, v.Interface()); err != nil {
				return err
			}
			if t != nil {
				for w := range c.lockedWatchers() {
					w.deliverProp(emitter, &msg.hdr, interfaceMember{iface, propName}, v)
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	var invalidated []string
	if err := body.Value(ctx, &invalidated); err != nil {
		return err
	}
	for _, prop := range invalidated {
		t := propTypeFor(iface, prop)
		if t == nil {
			continue
		}
		for w := range c.lockedWatchers() {
			w.deliverProp(emitter, &msg.hdr, interfaceMember{iface, prop}, reflect.New(t))
		}
	}
	return nil
}

// startCall sends a method call and registers its pending reply. The
// caller completes the returned PendingCall only through the
// connection's call table.
func (c *Conn) startCall(ctx context.Context, destination string, path ObjectPath, iface, method string, body, response any) (*PendingCall, error) {
	if response != nil && reflect.TypeOf(response).Kind() != reflect.Pointer {
		return nil, errors.New("response parameter in call must be a pointer, or nil")
	}
	if destination != "" {
		if err := checkBusName(destination); err != nil {
			return nil, err
		}
	}

	serial, pending := func() (uint32, *PendingCall) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return 0, nil
		}
		c.lastSerial++
		p := newPendingCall(c, c.lastSerial, response)
		c.calls[c.lastSerial] = p
		return c.lastSerial, p
	}()
	if pending == nil {
		return nil, net.ErrClosed
	}

	hdr := header{
		Type:        msgTypeCall,
		Serial:      serial,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      method,
	}
	if err := hdr.Valid(); err != nil {
		c.forgetCall(serial)
		return nil, err
	}

	if err := c.writeMsg(ctx, &hdr, body); err != nil {
		c.forgetCall(serial)
		return nil, err
	}

	return pending, nil
}

// call performs a synchronous method call.
func (c *Conn) call(ctx context.Context, destination string, path ObjectPath, iface, method string, body, response any) error {
	pending, err := c.startCall(ctx, destination, path, iface, method, body, response)
	if err != nil {
		return err
	}
	if c.external {
		return c.waitInline(ctx, pending)
	}
	if err := pending.Wait(ctx); err != nil {
		pending.Cancel()
		return err
	}
	return nil
}

// waitInline drives message processing on the calling goroutine
// until pending completes. Used in external dispatch mode, where no
// background goroutine reads the connection.
func (c *Conn) waitInline(ctx context.Context, pending *PendingCall) error {
	for {
		select {
		case <-pending.Done():
			return pending.Err()
		case <-ctx.Done():
			pending.Cancel()
			return ctx.Err()
		default:
		}

		// Wait for traffic in bounded slices, so a silent peer cannot
		// hold the call past its context deadline.
		wait := 100 * time.Millisecond
		if dl, ok := ctx.Deadline(); ok {
			until := time.Until(dl)
			if until <= 0 {
				pending.Cancel()
				return context.DeadlineExceeded
			}
			wait = min(wait, until)
		}
		ready, err := c.t.ReadyWithin(wait)
		if err != nil {
			pending.cancel(err)
			return err
		}
		if !ready {
			continue
		}

		if err := c.processOne(ctx); errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			pending.cancel(err)
			return err
		} else if err != nil {
			// A bad message from some other conversation fails its own
			// call, not this one. Same split as the read loop.
			log.Printf("dbus: read error: %v", err)
		}
	}
}

// oneWay sends a method call with no reply expected. The method's
// result, including any error, is discarded by the receiver.
func (c *Conn) oneWay(ctx context.Context, destination string, path ObjectPath, iface, method string, body any) error {
	if destination != "" {
		if err := checkBusName(destination); err != nil {
			return err
		}
	}
	serial := c.nextSerial()
	if serial == 0 {
		return net.ErrClosed
	}
	hdr := header{
		Type:        msgTypeCall,
		Flags:       flagNoReplyExpected,
		Serial:      serial,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      method,
	}
	if err := hdr.Valid(); err != nil {
		return err
	}
	return c.writeMsg(ctx, &hdr, body)
}

// Emit broadcasts signal from obj.
//
// The signal's type must be registered in advance with
// [RegisterSignalType].
func (c *Conn) Emit(ctx context.Context, obj ObjectPath, signal any) error {
	t := reflect.TypeOf(signal)
	k, ok := signalNameFor(t)
	if !ok {
		return fmt.Errorf("unknown signal type %s", t)
	}
	serial := c.nextSerial()
	if serial == 0 {
		return net.ErrClosed
	}
	hdr := header{
		Type:      msgTypeSignal,
		Serial:    serial,
		Path:      obj,
		Interface: k.Interface,
		Member:    k.Member,
	}
	if err := hdr.Valid(); err != nil {
		return err
	}
	var body any
	if t != reflect.TypeFor[struct{}]() {
		body = signal
	}
	return c.writeMsg(ctx, &hdr, body)
}

// addMatch subscribes the connection to signals matching m.
func (c *Conn) addMatch(ctx context.Context, m *Match) error {
	return c.bus.Call(ctx, "AddMatch", m.filterString(), nil)
}

// removeMatch undoes a previous addMatch.
func (c *Conn) removeMatch(ctx context.Context, m *Match) error {
	return c.bus.Call(ctx, "RemoveMatch", m.filterString(), nil)
}
