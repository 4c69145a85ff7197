package dbus_test

import (
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/busproto/dbus"
	"github.com/busproto/dbus/dbustest"
)

type blip struct {
	Name  string
	Count uint32
}

func init() {
	dbus.RegisterSignalType[blip]("org.test.Integration", "Blip")
	dbus.RegisterPropertyType[string]("org.test.Mascot", "Mood")
}

func TestBus(t *testing.T) {
	bus := dbustest.New(t)

	conn := bus.MustConn(t)

	if got, want := conn.LocalName(), ":1.1"; got != want {
		t.Errorf("unexpected bus name for conn, got %s want %s", got, want)
	}

	names, err := conn.ListNames(context.Background())
	if err != nil {
		t.Errorf("ListNames() failed: %v", err)
	} else {
		for _, want := range []string{"org.freedesktop.DBus", conn.LocalName()} {
			if !slices.Contains(names, want) {
				t.Errorf("ListNames() is missing %q, got %v", want, names)
			}
		}
		if testing.Verbose() {
			t.Logf("ListNames() = %v", names)
		}
	}

	id, err := conn.GetBusID(context.Background())
	if err != nil {
		t.Errorf("GetBusID() failed: %v", err)
	} else if id == "" {
		t.Error("GetBusID() is empty")
	}

	has, err := conn.NameHasOwner(context.Background(), conn.LocalName())
	if err != nil {
		t.Errorf("NameHasOwner(self) failed: %v", err)
	} else if !has {
		t.Error("NameHasOwner(self) is false but I'm connected!")
	}
	has, err = conn.NameHasOwner(context.Background(), ":1.99")
	if err != nil {
		t.Errorf("NameHasOwner(:1.99) failed: %v", err)
	} else if has {
		t.Error("NameHasOwner(:1.99) is true for an absent peer")
	}

	owner, err := conn.GetNameOwner(context.Background(), conn.LocalName())
	if err != nil {
		t.Errorf("GetNameOwner(self) failed: %v", err)
	} else if owner != conn.LocalName() {
		t.Errorf("GetNameOwner(self) = %q, want %q", owner, conn.LocalName())
	}
	if _, err := conn.GetNameOwner(context.Background(), ":1.99"); err == nil {
		t.Error("GetNameOwner(:1.99) succeeded for an absent peer")
	}

	if err := conn.Peer("org.freedesktop.DBus").Ping(context.Background()); err != nil {
		t.Errorf("pinging the bus failed: %v", err)
	}
}

// exportCalc exports a small arithmetic service on conn, covering all
// four handler shapes.
func exportCalc(t *testing.T, conn *dbus.Conn) {
	t.Helper()

	var (
		mu    sync.Mutex
		pokes int
	)
	err := conn.Export("/calc", "org.test.Calc", dbus.InterfaceDef{
		Methods: map[string]dbus.MethodDef{
			"Double": {Handler: func(ctx context.Context, obj dbus.ObjectPath, req uint32) (uint32, error) {
				return req * 2, nil
			}},
			"Add": {Handler: func(ctx context.Context, obj dbus.ObjectPath, req struct{ A, B uint32 }) (uint32, error) {
				return req.A + req.B, nil
			}},
			"Path": {Handler: func(ctx context.Context, obj dbus.ObjectPath) (dbus.ObjectPath, error) {
				return obj, nil
			}},
			"Poke": {Handler: func(ctx context.Context, obj dbus.ObjectPath) error {
				mu.Lock()
				defer mu.Unlock()
				pokes++
				return nil
			}, NoReply: true},
			"Fail": {Handler: func(ctx context.Context, obj dbus.ObjectPath) error {
				return errors.New("told to fail")
			}},
			"Panic": {Handler: func(ctx context.Context, obj dbus.ObjectPath) error {
				panic("told to panic")
			}},
		},
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
}

func TestCall(t *testing.T) {
	bus := dbustest.New(t)

	srv := bus.MustConn(t)
	exportCalc(t, srv)

	conn := bus.MustConn(t)
	calc := conn.Peer(srv.LocalName()).Object("/calc").Interface("org.test.Calc")

	var doubled uint32
	if err := calc.Call(context.Background(), "Double", uint32(21), &doubled); err != nil {
		t.Fatalf("Double failed: %v", err)
	}
	if doubled != 42 {
		t.Errorf("Double(21) = %d, want 42", doubled)
	}

	sum, err := dbus.Call[uint32](context.Background(), calc, "Add", struct{ A, B uint32 }{2, 3})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if sum != 5 {
		t.Errorf("Add(2, 3) = %d, want 5", sum)
	}

	// Handlers see the path the call targeted.
	var path dbus.ObjectPath
	if err := calc.Call(context.Background(), "Path", nil, &path); err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if path != "/calc" {
		t.Errorf("handler saw path %q, want /calc", path)
	}

	// A reply of any shape decodes into *any.
	var anyResp any
	if err := calc.Call(context.Background(), "Double", uint32(4), &anyResp); err != nil {
		t.Fatalf("Double failed: %v", err)
	}
	if anyResp != any(uint32(8)) {
		t.Errorf("Double(4) into any = %v, want uint32(8)", anyResp)
	}

	// Handler errors come back as CallErrors with the peer's detail.
	err = calc.Call(context.Background(), "Fail", nil, nil)
	var callErr dbus.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("Fail returned %v, want CallError", err)
	}
	if callErr.Detail != "told to fail" {
		t.Errorf("Fail error detail = %q, want the handler's message", callErr.Detail)
	}

	// A panicking handler fails its own call only.
	if err := calc.Call(context.Background(), "Panic", nil, nil); err == nil {
		t.Error("Panic call succeeded, want error")
	}
	if err := calc.Call(context.Background(), "Double", uint32(1), nil); err != nil {
		t.Errorf("call after handler panic failed: %v", err)
	}

	// Unknown methods, interfaces and peers report named errors.
	err = calc.Call(context.Background(), "FlumpoTron", nil, nil)
	if !errors.As(err, &callErr) {
		t.Fatalf("FlumpoTron returned %v, want CallError", err)
	}
	if callErr.Name != "org.freedesktop.DBus.Error.UnknownMethod" {
		t.Errorf("FlumpoTron error name = %q, want UnknownMethod", callErr.Name)
	}

	err = conn.Peer(":1.99").Object("/calc").Interface("org.test.Calc").Call(context.Background(), "Double", uint32(1), nil)
	if !errors.As(err, &callErr) {
		t.Fatalf("call to absent peer returned %v, want CallError", err)
	}
	if callErr.Name != "org.freedesktop.DBus.Error.ServiceUnknown" {
		t.Errorf("absent peer error name = %q, want ServiceUnknown", callErr.Name)
	}

	// Peers answer the standard ping without any exports.
	if err := conn.Peer(srv.LocalName()).Ping(context.Background()); err != nil {
		t.Errorf("pinging the server peer failed: %v", err)
	}

	// One-way calls deliver without a reply.
	if err := calc.OneWay(context.Background(), "Poke", nil); err != nil {
		t.Errorf("OneWay Poke failed: %v", err)
	}
}

func TestAsyncCall(t *testing.T) {
	bus := dbustest.New(t)

	srv := bus.MustConn(t)
	exportCalc(t, srv)

	release := make(chan struct{})
	err := srv.Export("/slow", "org.test.Slow", dbus.InterfaceDef{
		Methods: map[string]dbus.MethodDef{
			"Block": {Handler: func(ctx context.Context, obj dbus.ObjectPath) error {
				<-release
				return nil
			}},
		},
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	defer close(release)

	conn := bus.MustConn(t)
	calc := conn.Peer(srv.LocalName()).Object("/calc").Interface("org.test.Calc")
	slow := conn.Peer(srv.LocalName()).Object("/slow").Interface("org.test.Slow")

	var doubled uint32
	pending, err := calc.Go(context.Background(), "Double", uint32(10), &doubled)
	if err != nil {
		t.Fatalf("Go failed: %v", err)
	}
	if err := pending.Wait(context.Background()); err != nil {
		t.Fatalf("async Double failed: %v", err)
	}
	if doubled != 20 {
		t.Errorf("async Double(10) = %d, want 20", doubled)
	}

	// Cancelling an in-flight call completes it with ErrCallCancelled.
	pending, err = slow.Go(context.Background(), "Block", nil, nil)
	if err != nil {
		t.Fatalf("Go failed: %v", err)
	}
	pending.Cancel()
	if err := pending.Wait(context.Background()); err != dbus.ErrCallCancelled {
		t.Errorf("cancelled call completed with %v, want ErrCallCancelled", err)
	}
	// Cancelling again is a no-op.
	pending.Cancel()
	if err := pending.Err(); err != dbus.ErrCallCancelled {
		t.Errorf("second Cancel changed the call error to %v", err)
	}

	// A zero timeout fires before any reply can arrive.
	pending, err = slow.GoWithTimeout(context.Background(), "Block", nil, nil, 0)
	if err != nil {
		t.Fatalf("GoWithTimeout failed: %v", err)
	}
	if err := pending.Wait(context.Background()); err != dbus.ErrCallTimeout {
		t.Errorf("zero-timeout call completed with %v, want ErrCallTimeout", err)
	}

	pending, err = slow.GoWithTimeout(context.Background(), "Block", nil, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("GoWithTimeout failed: %v", err)
	}
	if err := pending.Wait(context.Background()); err != dbus.ErrCallTimeout {
		t.Errorf("timed-out call completed with %v, want ErrCallTimeout", err)
	}

	// Context cancellation also cancels the pending call.
	ctx, cancel := context.WithCancel(context.Background())
	pending, err = slow.Go(ctx, "Block", nil, nil)
	if err != nil {
		t.Fatalf("Go failed: %v", err)
	}
	cancel()
	<-pending.Done()
	if err := pending.Err(); err == nil {
		t.Error("context-cancelled call completed without error")
	}
}

func TestAsyncCallFastReply(t *testing.T) {
	bus := dbustest.New(t)

	srv := bus.MustConn(t)
	exportCalc(t, srv)

	conn := bus.MustConn(t)
	calc := conn.Peer(srv.LocalName()).Object("/calc").Interface("org.test.Calc")

	// Replies can arrive while the call's cancellation sources are
	// still being installed; the handoff between the two is what the
	// race detector checks here.
	for i := range 300 {
		var out uint32
		pending, err := calc.GoWithTimeout(context.Background(), "Double", uint32(i), &out, time.Minute)
		if err != nil {
			t.Fatalf("GoWithTimeout failed: %v", err)
		}
		if err := pending.Wait(context.Background()); err != nil {
			t.Fatalf("Double failed: %v", err)
		}
		if out != uint32(i)*2 {
			t.Errorf("Double(%d) = %d, want %d", i, out, uint32(i)*2)
		}
	}
}

func awaitNotification(t *testing.T, w *dbus.Watcher) *dbus.Notification {
	t.Helper()
	select {
	case n, ok := <-w.Chan():
		if !ok {
			t.Fatal("watcher channel closed")
		}
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	panic("unreachable")
}

func TestSignals(t *testing.T) {
	bus := dbustest.New(t)

	emitter := bus.MustConn(t)
	conn := bus.MustConn(t)

	// Signals emitted before a match exists are not replayed to later
	// subscribers. The two round trips below order the early signal
	// strictly before the match registration: the first flushes the
	// broadcast out of the bus, the second drains it through conn's
	// read loop.
	if err := emitter.Emit(context.Background(), "/blips", blip{"early", 0}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if err := emitter.Peer("org.freedesktop.DBus").Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if err := conn.Peer("org.freedesktop.DBus").Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	w := conn.Watch()
	defer w.Close()
	if _, err := w.Match(dbus.MatchSignal[blip]()); err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	if err := emitter.Emit(context.Background(), "/blips", blip{"hello", 1}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	// The first delivery must be the post-subscription blip, not the
	// early one.
	n := awaitNotification(t, w)
	if n.Name != "Blip" {
		t.Errorf("notification name %q, want Blip", n.Name)
	}
	if got, want := n.Sender.Peer().Name(), emitter.LocalName(); got != want {
		t.Errorf("notification sender %q, want %q", got, want)
	}
	if got, want := n.Sender.Object().Path(), dbus.ObjectPath("/blips"); got != want {
		t.Errorf("notification path %q, want %q", got, want)
	}
	body, ok := n.Body.(*blip)
	if !ok {
		t.Fatalf("notification body is %T, want *blip", n.Body)
	}
	if body.Name != "hello" || body.Count != 1 {
		t.Errorf("notification body = %+v, want {hello 1}", body)
	}

	// Filtered signals are not delivered.
	remove, err := w.Match(dbus.MatchSignal[blip]().ArgStr(0, "wanted"))
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if err := emitter.Emit(context.Background(), "/blips", blip{"wanted", 2}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	// The unfiltered match from above still passes everything, so the
	// "wanted" blip arrives exactly once.
	n = awaitNotification(t, w)
	if body := n.Body.(*blip); body.Name != "wanted" {
		t.Errorf("notification body = %+v, want the wanted blip", body)
	}
	remove()

	// Emitting an unregistered type fails.
	if err := emitter.Emit(context.Background(), "/blips", struct{ X uint64 }{1}); err == nil {
		t.Error("Emit of unregistered signal type succeeded")
	}
}

func TestFilePassing(t *testing.T) {
	bus := dbustest.New(t)

	srv := bus.MustConn(t)
	err := srv.Export("/files", "org.test.Files", dbus.InterfaceDef{
		Methods: map[string]dbus.MethodDef{
			"ReadAll": {Handler: func(ctx context.Context, obj dbus.ObjectPath, f dbus.File) (string, error) {
				defer f.Close()
				bs, err := io.ReadAll(f)
				return string(bs), err
			}},
		},
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	conn := bus.MustConn(t)
	f, err := os.CreateTemp(t.TempDir(), "payload")
	if err != nil {
		t.Fatalf("creating payload file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString("over the bus"); err != nil {
		t.Fatalf("writing payload file: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("rewinding payload file: %v", err)
	}

	files := conn.Peer(srv.LocalName()).Object("/files").Interface("org.test.Files")
	var got string
	if err := files.Call(context.Background(), "ReadAll", dbus.File{File: f}, &got); err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if got != "over the bus" {
		t.Errorf("ReadAll returned %q, want the file contents", got)
	}
}

func TestSignalOverflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow overflow test in short mode")
	}
	bus := dbustest.New(t)

	emitter := bus.MustConn(t)
	conn := bus.MustConn(t)

	w := conn.Watch()
	defer w.Close()
	if _, err := w.Match(dbus.MatchSignal[blip]()); err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	// Overfill the watcher without draining it.
	const sent = 50
	for i := range sent {
		if err := emitter.Emit(context.Background(), "/blips", blip{"flood", uint32(i)}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	time.Sleep(500 * time.Millisecond)

	got, sawOverflow := 0, false
	for {
		select {
		case n := <-w.Chan():
			got++
			if n.Overflow {
				sawOverflow = true
			}
			continue
		case <-time.After(time.Second):
		}
		break
	}
	if got >= sent {
		t.Errorf("received all %d notifications, want some dropped", got)
	}
	if !sawOverflow {
		t.Error("no notification carried the Overflow marker")
	}
	if testing.Verbose() {
		t.Logf("received %d of %d notifications", got, sent)
	}
}

func TestProperties(t *testing.T) {
	bus := dbustest.New(t)

	srv := bus.MustConn(t)

	var (
		mu   sync.Mutex
		mood = "happy"
	)
	err := srv.Export("/mascots/gopher", "org.test.Mascot", dbus.InterfaceDef{
		Properties: map[string]dbus.PropertyDef{
			"Mood": {
				Getter: func(ctx context.Context, obj dbus.ObjectPath) (string, error) {
					mu.Lock()
					defer mu.Unlock()
					return mood, nil
				},
				Setter: func(ctx context.Context, obj dbus.ObjectPath, v string) error {
					mu.Lock()
					defer mu.Unlock()
					mood = v
					return nil
				},
			},
			"Legs": {
				Getter: func(ctx context.Context, obj dbus.ObjectPath) (uint32, error) {
					return 4, nil
				},
				Update: dbus.ConstProperty,
			},
		},
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	conn := bus.MustConn(t)
	mascot := conn.Peer(srv.LocalName()).Object("/mascots/gopher").Interface("org.test.Mascot")

	got, err := dbus.GetProperty[string](context.Background(), mascot, "Mood")
	if err != nil {
		t.Fatalf("GetProperty(Mood) failed: %v", err)
	}
	if got != "happy" {
		t.Errorf("GetProperty(Mood) = %q, want happy", got)
	}

	var anyMood any
	if err := mascot.GetProperty(context.Background(), "Mood", &anyMood); err != nil {
		t.Fatalf("GetProperty(Mood) into any failed: %v", err)
	}
	if anyMood != any("happy") {
		t.Errorf("GetProperty(Mood) into any = %v, want happy", anyMood)
	}

	all, err := mascot.GetAllProperties(context.Background())
	if err != nil {
		t.Fatalf("GetAllProperties failed: %v", err)
	}
	if all["Mood"] != any("happy") || all["Legs"] != any(uint32(4)) {
		t.Errorf("GetAllProperties = %v, want Mood and Legs", all)
	}

	// Watch for the change before making it.
	w := conn.Watch()
	defer w.Close()
	if _, err := w.Match(dbus.MatchProperty("org.test.Mascot", "Mood")); err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	if err := mascot.SetProperty(context.Background(), "Mood", "grumpy"); err != nil {
		t.Fatalf("SetProperty(Mood) failed: %v", err)
	}
	got, err = dbus.GetProperty[string](context.Background(), mascot, "Mood")
	if err != nil {
		t.Fatalf("GetProperty(Mood) failed: %v", err)
	}
	if got != "grumpy" {
		t.Errorf("GetProperty(Mood) after set = %q, want grumpy", got)
	}

	n := awaitNotification(t, w)
	if n.Name != "Mood" {
		t.Errorf("notification name %q, want Mood", n.Name)
	}
	val, ok := n.Body.(*string)
	if !ok {
		t.Fatalf("notification body is %T, want *string", n.Body)
	}
	if *val != "grumpy" {
		t.Errorf("notification value %q, want grumpy", *val)
	}

	// Writes to read-only properties are rejected with a named error.
	err = mascot.SetProperty(context.Background(), "Legs", uint32(6))
	var callErr dbus.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("SetProperty(Legs) returned %v, want CallError", err)
	}
	if callErr.Name != "org.freedesktop.DBus.Error.PropertyReadOnly" {
		t.Errorf("SetProperty(Legs) error name = %q, want PropertyReadOnly", callErr.Name)
	}

	// Unknown properties too.
	var junk any
	if err := mascot.GetProperty(context.Background(), "JumkleClint", &junk); err == nil {
		t.Error("GetProperty of non-existent property succeeded")
	}
}

func TestExternalDispatch(t *testing.T) {
	bus := dbustest.New(t)

	srv := bus.MustConn(t)
	exportCalc(t, srv)

	conn := bus.MustConnOpt(t, dbus.ConnOptions{ExternalDispatch: true})

	fd, err := conn.PollDescriptor()
	if err != nil {
		t.Fatalf("PollDescriptor failed: %v", err)
	}
	if fd < 0 {
		t.Fatalf("PollDescriptor returned %d", fd)
	}
	if d := conn.NextDeadline(); !d.IsZero() {
		t.Errorf("NextDeadline with no timed calls = %v, want zero", d)
	}

	// Synchronous calls drive message processing inline.
	calc := conn.Peer(srv.LocalName()).Object("/calc").Interface("org.test.Calc")
	var doubled uint32
	if err := calc.Call(context.Background(), "Double", uint32(3), &doubled); err != nil {
		t.Fatalf("Double failed: %v", err)
	}
	if doubled != 6 {
		t.Errorf("Double(3) = %d, want 6", doubled)
	}

	// Incoming calls wait for a Process cycle, and handlers run on the
	// processing goroutine.
	var handlerDone bool
	err = conn.Export("/echo", "org.test.Echo", dbus.InterfaceDef{
		Methods: map[string]dbus.MethodDef{
			"Echo": {Handler: func(ctx context.Context, obj dbus.ObjectPath, req string) (string, error) {
				handlerDone = true
				return req, nil
			}},
		},
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	var echoed string
	echo := srv.Peer(conn.LocalName()).Object("/echo").Interface("org.test.Echo")
	pending, err := echo.Go(context.Background(), "Echo", "marco", &echoed)
	if err != nil {
		t.Fatalf("Go failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := conn.Process(context.Background()); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		select {
		case <-pending.Done():
		default:
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for externally dispatched call")
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		break
	}
	if err := pending.Err(); err != nil {
		t.Fatalf("Echo failed: %v", err)
	}
	if echoed != "marco" {
		t.Errorf("Echo returned %q, want marco", echoed)
	}
	// handlerDone is safe to read: the handler ran on this goroutine,
	// inside Process.
	if !handlerDone {
		t.Error("handler did not run")
	}

	// Timed calls surface their deadline to the event loop.
	release := make(chan struct{})
	err = srv.Export("/slow", "org.test.Slow", dbus.InterfaceDef{
		Methods: map[string]dbus.MethodDef{
			"Block": {Handler: func(ctx context.Context, obj dbus.ObjectPath) error {
				<-release
				return nil
			}},
		},
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	defer close(release)

	slow := conn.Peer(srv.LocalName()).Object("/slow").Interface("org.test.Slow")
	pending, err = slow.GoWithTimeout(context.Background(), "Block", nil, nil, time.Minute)
	if err != nil {
		t.Fatalf("GoWithTimeout failed: %v", err)
	}
	if d := conn.NextDeadline(); d.IsZero() {
		t.Error("NextDeadline with a timed call in flight is zero")
	} else if until := time.Until(d); until > time.Minute {
		t.Errorf("NextDeadline is %v away, want at most a minute", until)
	}
	pending.Cancel()
	if d := conn.NextDeadline(); !d.IsZero() {
		t.Errorf("NextDeadline after cancellation = %v, want zero", d)
	}

	// A synchronous call's deadline fires even when the peer never
	// replies, since the inline processing loop waits in bounded
	// slices.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = slow.Call(ctx, "Block", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("deadlined sync call returned %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("deadlined sync call took %v to fail", elapsed)
	}
}

func TestConnClose(t *testing.T) {
	bus := dbustest.New(t)

	srv := bus.MustConn(t)
	release := make(chan struct{})
	err := srv.Export("/slow", "org.test.Slow", dbus.InterfaceDef{
		Methods: map[string]dbus.MethodDef{
			"Block": {Handler: func(ctx context.Context, obj dbus.ObjectPath) error {
				<-release
				return nil
			}},
		},
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	defer close(release)

	conn := bus.MustConn(t)
	slow := conn.Peer(srv.LocalName()).Object("/slow").Interface("org.test.Slow")
	pending, err := slow.Go(context.Background(), "Block", nil, nil)
	if err != nil {
		t.Fatalf("Go failed: %v", err)
	}

	w := conn.Watch()

	conn.Close()

	// In-flight calls complete with an error, the watcher shuts down,
	// and new calls fail immediately.
	<-pending.Done()
	if pending.Err() == nil {
		t.Error("in-flight call at Close completed without error")
	}
	select {
	case _, ok := <-w.Chan():
		if ok {
			t.Error("watcher delivered a notification after Close")
		}
	case <-time.After(5 * time.Second):
		t.Error("watcher channel still open after Close")
	}
	if err := slow.Call(context.Background(), "Block", nil, nil); err == nil {
		t.Error("call on closed connection succeeded")
	}
}
