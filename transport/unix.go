// Package transport provides the raw byte stream underneath a bus
// connection: unix domain sockets with file descriptor passing and
// the connection authentication handshake.
package transport

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// Transport is a raw bus connection.
type Transport interface {
	io.ReadWriteCloser

	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data.
	GetFiles(n int) ([]*os.File, error)
	// WriteWithFiles is like Transport.Write, but additionally sends
	// the given files as ancillary data.
	WriteWithFiles(bs []byte, fds []*os.File) (int, error)
	// ReadyWithin reports whether at least one byte is available to
	// read, waiting up to d for one to arrive.
	ReadyWithin(d time.Duration) (bool, error)
	// PollFD returns a file descriptor that becomes readable when
	// the transport has bytes available, for use with poll(2) style
	// event loops. The descriptor is owned by the transport and must
	// not be closed or read by the caller.
	PollFD() (int, error)
}

// DialUnix connects to the bus at the given socket path and runs the
// client half of the authentication handshake.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	addr := &net.UnixAddr{
		Net:  "unix",
		Name: path,
	}

	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, err
	}

	ret := FromConn(conn)
	if err := ret.ClientHandshake(ctx); err != nil {
		ret.Close()
		return nil, err
	}
	return ret, nil
}

// FromConn wraps an established unix socket connection. No
// authentication handshake is run; callers use
// [UnixTransport.ClientHandshake] or [UnixTransport.ServerHandshake]
// as appropriate before exchanging messages.
func FromConn(conn *net.UnixConn) *UnixTransport {
	ret := &UnixTransport{
		conn: conn,
		fds:  queue.New[*os.File](),
	}
	ret.buf = bufio.NewReader(funcReader(ret.readToBuf))
	return ret
}

// UnixTransport is a Transport over a unix domain socket.
type UnixTransport struct {
	conn *net.UnixConn
	oob  [512]byte
	buf  *bufio.Reader
	fds  *queue.Queue[*os.File]
}

func (u *UnixTransport) Read(bs []byte) (int, error) {
	return u.buf.Read(bs)
}

func (u *UnixTransport) Write(bs []byte) (int, error) {
	return u.conn.Write(bs)
}

func (u *UnixTransport) Close() error {
	u.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	u.fds.Clear()
	u.buf.Discard(u.buf.Buffered())
	return u.conn.Close()
}

func (u *UnixTransport) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) == 0 {
		return u.Write(bs)
	}

	fds := make([]int, 0, len(fs))
	for _, f := range fs {
		fds = append(fds, int(f.Fd()))
	}
	scm := unix.UnixRights(fds...)
	n, oobn, err := u.conn.WriteMsgUnix(bs, scm, nil)
	if err != nil {
		u.Close()
		return n, err
	}
	if oobn != len(scm) {
		u.Close()
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (u *UnixTransport) GetFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for range n {
		f, ok := u.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, errors.New("requested file not available")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

// ReadyWithin reports whether a read would make progress, waiting up
// to d for bytes to arrive. A zero or negative d only checks what is
// already buffered or queued in the kernel.
func (u *UnixTransport) ReadyWithin(d time.Duration) (bool, error) {
	if u.buf.Buffered() > 0 {
		return true, nil
	}
	if d < 0 {
		d = 0
	}
	if err := u.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return false, err
	}
	defer u.conn.SetReadDeadline(time.Time{})
	_, err := u.buf.Peek(1)
	if err == nil {
		return true, nil
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return false, nil
	}
	return false, err
}

// PollFD returns the socket's file descriptor, for external poll
// loops. Callers must also consult buffered state via ReadyWithin(0),
// since bytes already read off the socket do not show up as readable.
func (u *UnixTransport) PollFD() (int, error) {
	sc, err := u.conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	fd := -1
	if err := sc.Control(func(sysfd uintptr) { fd = int(sysfd) }); err != nil {
		return 0, err
	}
	return fd, nil
}

// ClientHandshake runs the connecting side of the authentication
// exchange.
//
// In theory this is a full SASL negotiation. In practice a bus on a
// unix socket authenticates the client with the peer credentials it
// pulls from the socket itself, so the client's half boils down to a
// fixed preamble sent in one block, followed by checking that the
// response has the happy path shape.
func (u *UnixTransport) ClientHandshake(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := u.conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer u.conn.SetDeadline(time.Time{})

	uid := os.Getuid()
	uidBs := hex.EncodeToString([]byte(strconv.Itoa(uid)))
	if _, err := u.conn.Write([]byte("\x00AUTH EXTERNAL ")); err != nil {
		return err
	}
	if _, err := io.WriteString(u.conn, uidBs); err != nil {
		return err
	}
	if _, err := u.conn.Write([]byte("\r\nNEGOTIATE_UNIX_FD\r\nBEGIN\r\n")); err != nil {
		return err
	}

	resp, err := u.buf.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "OK ") {
		return fmt.Errorf("AUTH EXTERNAL failed, server said %q", strings.TrimSpace(resp))
	}

	resp, err = u.buf.ReadString('\n')
	if err != nil {
		return err
	}
	if resp != "AGREE_UNIX_FD\r\n" {
		return fmt.Errorf("NEGOTIATE_UNIX_FD failed, server said %q", strings.TrimSpace(resp))
	}

	return nil
}

// ServerHandshake runs the accepting side of the authentication
// exchange, identifying the server as guid. Only AUTH EXTERNAL is
// accepted; the claimed identity is not verified beyond being
// well-formed, since the socket's peer credentials already identify
// the client.
func (u *UnixTransport) ServerHandshake(ctx context.Context, guid string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := u.conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer u.conn.SetDeadline(time.Time{})

	nul, err := u.buf.ReadByte()
	if err != nil {
		return err
	}
	if nul != 0 {
		return fmt.Errorf("authentication preamble started with 0x%02x, want NUL", nul)
	}

	line, err := u.buf.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "AUTH EXTERNAL ") {
		if _, err := io.WriteString(u.conn, "REJECTED EXTERNAL\r\n"); err != nil {
			return err
		}
		return fmt.Errorf("unsupported authentication command %q", strings.TrimSpace(line))
	}
	if _, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(line, "AUTH EXTERNAL "))); err != nil {
		return fmt.Errorf("malformed AUTH EXTERNAL identity: %w", err)
	}
	if _, err := io.WriteString(u.conn, "OK "+guid+"\r\n"); err != nil {
		return err
	}

	line, err = u.buf.ReadString('\n')
	if err != nil {
		return err
	}
	if line != "NEGOTIATE_UNIX_FD\r\n" {
		return fmt.Errorf("expected NEGOTIATE_UNIX_FD, client said %q", strings.TrimSpace(line))
	}
	if _, err := io.WriteString(u.conn, "AGREE_UNIX_FD\r\n"); err != nil {
		return err
	}

	line, err = u.buf.ReadString('\n')
	if err != nil {
		return err
	}
	if line != "BEGIN\r\n" {
		return fmt.Errorf("expected BEGIN, client said %q", strings.TrimSpace(line))
	}
	return nil
}

func (u *UnixTransport) readToBuf(bs []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		u.Close()
		return 0, errors.New("control message truncated")
	}
	if oobn > 0 {
		if oobErr := u.parseFDs(u.oob[:oobn]); oobErr != nil {
			u.Close()
			return 0, oobErr
		}
	}
	if err != nil {
		return 0, err
	}

	return n, nil
}

func (u *UnixTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	// Accumulate errors and keep parsing. All provided descriptors
	// must be extracted so they can be closed on error, otherwise a
	// malicious peer could leak fds into the process.
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on bus socket", fd))
			} else {
				u.fds.Add(f)
			}
		}
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}
	return nil
}

type funcReader func([]byte) (int, error)

func (f funcReader) Read(bs []byte) (int, error) {
	return f(bs)
}
