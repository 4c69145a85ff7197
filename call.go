package dbus

import (
	"context"
	"sync"
	"time"
)

// callState is the lifecycle position of a PendingCall.
type callState int

const (
	callPending callState = iota
	callDone
	callFailed
	callCancelled
)

// A PendingCall is an in-flight method call. It completes exactly
// once: with the method's reply, with an error, or cancelled.
type PendingCall struct {
	conn   *Conn
	serial uint32
	resp   any

	// done is closed when the call completes, in any way.
	done chan struct{}

	mu    sync.Mutex
	state callState
	err   error
	// stop tears down the context watcher, if any.
	stop func() bool
	// timer fires the call deadline, if any.
	timer *time.Timer
	// deadlineAt is the absolute call deadline, or zero. Event loops
	// in external dispatch mode read it through
	// [Conn.NextDeadline].
	deadlineAt time.Time
}

func newPendingCall(c *Conn, serial uint32, resp any) *PendingCall {
	return &PendingCall{
		conn:   c,
		serial: serial,
		resp:   resp,
		done:   make(chan struct{}),
	}
}

// arm attaches the cancellation sources: the caller's context and,
// when deadline is non-zero, a timer relative to the call's send
// time. A deadline that has already passed fires immediately.
//
// The call's serial is already live in the connection's pending
// table, so a reply can complete the call at any point during
// arming; the sources are installed under p.mu so that whichever of
// arm and complete runs second tears them down.
func (p *PendingCall) arm(ctx context.Context, deadline time.Duration, haveDeadline bool) {
	if haveDeadline && deadline <= 0 {
		p.cancel(ErrCallTimeout)
		return
	}
	stop := context.AfterFunc(ctx, func() {
		p.cancel(ctx.Err())
	})
	var (
		timer *time.Timer
		at    time.Time
	)
	if haveDeadline {
		at = time.Now().Add(deadline)
		timer = time.AfterFunc(deadline, func() {
			p.cancel(ErrCallTimeout)
		})
	}

	p.mu.Lock()
	if p.state != callPending {
		// The call settled while the sources were being built, and its
		// completion never saw them.
		p.mu.Unlock()
		stop()
		if timer != nil {
			timer.Stop()
		}
		return
	}
	p.stop, p.timer, p.deadlineAt = stop, timer, at
	p.mu.Unlock()
}

// Done returns a channel that is closed when the call completes.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Err returns the call's terminal error: nil for a successful reply,
// [ErrCallCancelled] or [ErrCallTimeout] for a cancelled call, or the
// failure reported by the remote peer. Err returns nil if the call
// has not completed yet; use [PendingCall.Done] or
// [PendingCall.Wait] to wait for completion.
func (p *PendingCall) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Wait blocks until the call completes or ctx is done, and returns
// the call's terminal error.
func (p *PendingCall) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel abandons the call. The reply, if one later arrives, is
// discarded. Cancelling a completed call has no effect.
func (p *PendingCall) Cancel() {
	p.cancel(ErrCallCancelled)
}

// cancel completes the call with err, unless a reply got there
// first. Whoever removes the serial from the connection's pending
// table decides the outcome.
func (p *PendingCall) cancel(err error) {
	if !p.conn.forgetCall(p.serial) {
		// The reply won the race and is being delivered.
		return
	}
	p.complete(err)
}

// complete transitions the call to its terminal state. Only the
// winner of the pending-table removal may call it, so it runs at
// most once per call.
func (p *PendingCall) complete(err error) {
	p.mu.Lock()
	switch {
	case p.state != callPending:
		// Settled already. Cannot happen given the table discipline,
		// but guard anyway rather than double close p.done.
		p.mu.Unlock()
		return
	case err == nil:
		p.state = callDone
	case err == ErrCallCancelled || err == ErrCallTimeout || err == context.Canceled || err == context.DeadlineExceeded:
		p.state = callCancelled
	default:
		p.state = callFailed
	}
	p.err = err
	stop, timer := p.stop, p.timer
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	if timer != nil {
		timer.Stop()
	}
	close(p.done)
}
