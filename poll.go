package dbus

import (
	"context"
	"time"
)

// The methods in this file form the integration surface for external
// event loops, available on connections opened with
// [ConnOptions].ExternalDispatch.

// PollDescriptor returns a file descriptor that becomes readable
// when the connection may have messages to process. It is owned by
// the connection and must not be read or closed by the caller.
//
// Readability of the descriptor is a hint, not a guarantee: bytes
// already buffered inside the connection do not show up on it, so an
// event loop should call [Conn.Process] once before blocking on the
// descriptor.
func (c *Conn) PollDescriptor() (int, error) {
	return c.t.PollFD()
}

// NextDeadline returns the earliest deadline among in-flight calls
// started with a timeout, or the zero time if there is none. An
// event loop should arrange to wake up and observe call completions
// by that time; the timeouts themselves fire without its help.
func (c *Conn) NextDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ret time.Time
	for _, p := range c.calls {
		p.mu.Lock()
		d := p.deadlineAt
		p.mu.Unlock()
		if d.IsZero() {
			continue
		}
		if ret.IsZero() || d.Before(ret) {
			ret = d
		}
	}
	return ret
}

// Process reads and dispatches messages that are already available,
// without blocking for new ones, and returns the number of messages
// processed. Incoming method calls run their handlers on the calling
// goroutine before Process returns.
//
// Process is the engine of external dispatch mode; connections with
// a background read loop have no use for it.
func (c *Conn) Process(ctx context.Context) (int, error) {
	n := 0
	for {
		ready, err := c.t.ReadyWithin(0)
		if err != nil {
			return n, err
		}
		if !ready {
			return n, nil
		}
		if err := c.processOne(ctx); err != nil {
			return n, err
		}
		n++
	}
}
