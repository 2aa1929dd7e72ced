// Package transport implements the client side of the persistent game
// connection: one TCP socket carrying two traffic classes — synchronous
// request/response RPCs and server-pushed broadcasts — over a single
// length-prefixed framing.
//
// The protocol has no request IDs and no per-frame discriminator between
// "RPC response" and "broadcast". Correlation is purely temporal: the
// response to a request is the next frame after it, and the server promises
// not to interleave a broadcast ahead of an outstanding call's response.
// The client enforces its half of that contract with a read lease: at any
// instant either the background listener or the active RPC call is the
// reader of the socket, never both.
//
//	caller ──Call(op, payload)──→ claim read lease ──→ write ──→ read response
//	listener ─── readFrame ──→ ProtocolState.Handle   (parked while a call holds the lease)
//
// Frames the listener finishes reading while a call is claiming the lease
// are deferred and dispatched only after the call completes, so no broadcast
// ever reaches the state machine ahead of an outstanding call's response.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tilelobby/logx"
	"tilelobby/protocol"
)

var (
	// ErrConnectionLost reports a socket-level failure or unexpected close.
	// Fatal: every outstanding and future call on the connection fails with
	// it rather than hanging.
	ErrConnectionLost = errors.New("connection lost")
	// ErrConnClosed reports use of a connection after a local Close.
	ErrConnClosed = errors.New("connection closed")
)

// errYield is returned by the listener's read when it gives the lease up
// without having consumed any bytes.
var errYield = errors.New("read yielded")

// EmptyFramePolicy decides what the listener does with a zero-length
// broadcast frame. The wire format allows them; whether they mean "no-op" or
// "end of broadcast stream" is the server deployment's choice.
type EmptyFramePolicy int

const (
	// EmptyFrameIgnore treats zero-length broadcasts as harmless no-ops.
	EmptyFrameIgnore EmptyFramePolicy = iota
	// EmptyFrameStop terminates the listener cleanly on the first
	// zero-length broadcast.
	EmptyFrameStop
)

// Options configures a Conn.
type Options struct {
	// Handler consumes each broadcast payload, normally the protocol state
	// machine. A non-nil error is fatal to the connection.
	Handler func(payload []byte) error
	// OnExit observes listener termination: nil for a clean stop, the fatal
	// error otherwise. The listener is a supervised task, not a detached
	// job — its failure must unblock callers and reach the session.
	OnExit func(err error)

	EmptyFrames  EmptyFramePolicy
	PollInterval time.Duration
}

// Conn multiplexes RPC calls and the broadcast listener over one socket.
type Conn struct {
	raw  net.Conn
	fr   *protocol.Framer
	opts Options

	writeMu sync.Mutex // a request must hit the wire as one unit
	callMu  sync.Mutex // exactly one in-flight RPC; correlation is temporal

	// Read lease. rpcWaiting tells the listener to yield at its next frame
	// boundary; readMu is the lease itself; resume wakes the parked listener
	// once the call releases.
	rpcWaiting atomic.Bool
	readMu     sync.Mutex
	resume     chan struct{}

	intMu     sync.Mutex
	interrupt context.CancelFunc

	// Frames completed by the listener while a call held or was claiming the
	// lease. Listener-goroutine-owned; dispatched after the call completes.
	deferred [][]byte

	fatalMu   sync.Mutex
	fatal     error
	stop      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an established socket and starts the broadcast listener.
func New(raw net.Conn, opts Options) *Conn {
	c := &Conn{
		raw:    raw,
		fr:     protocol.NewFramer(raw),
		opts:   opts,
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if opts.PollInterval > 0 {
		c.fr.SetPollInterval(opts.PollInterval)
	}
	go c.listen()
	return c
}

// Call issues one RPC: the 4-byte operation header, the length-prefixed
// request frame, and — when expectResponse is set — exactly one response
// frame read back. Concurrent callers are serialized; the whole
// write-then-read is one critical section because responses carry no
// request ID.
//
// Cancellation is honored at frame boundaries only. Before the response's
// first byte: the call aborts and the connection is reset, because the
// now-unmatched response could never be told apart from a broadcast. After
// the first byte: the frame is drained to keep the stream aligned, the
// result is discarded, and the connection stays usable.
func (c *Conn) Call(ctx context.Context, op protocol.Opcode, payload []byte, expectResponse bool) ([]byte, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()
	if err := c.Err(); err != nil {
		return nil, err
	}
	// Cancelled while queued behind another call: nothing was written yet,
	// the connection is untouched.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Claim the read side before writing so the listener cannot race us for
	// the response frame.
	c.beginRead()
	defer c.endRead()

	c.writeMu.Lock()
	err := c.fr.WriteRequest(op, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return nil, c.Err()
	}

	if !expectResponse {
		return nil, nil
	}

	resp, err := c.fr.ReadFrame(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The response, whenever it arrives, can no longer be matched;
			// a tagless stream cannot be resynchronized. Reset instead.
			c.fail(fmt.Errorf("call %s abandoned before its response: %v", op, err))
			return nil, err
		}
		c.fail(err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		// Cancelled after the frame started: the frame was drained, the
		// stream is still aligned, only the result is dropped.
		logx.Log.Debug().Stringer("op", op).Msg("response discarded after cancellation")
		return nil, err
	}
	return resp, nil
}

// Err returns the connection's terminal error: the fatal error if one
// occurred, ErrConnClosed after a clean local close, nil while usable.
func (c *Conn) Err() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	if c.fatal != nil {
		return c.fatal
	}
	select {
	case <-c.stop:
		return ErrConnClosed
	default:
		return nil
	}
}

// Close tears the connection down. Idempotent; pending reads are unblocked
// by closing the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.interruptRead()
		_ = c.raw.Close()
	})
	return nil
}

// Done is closed once the listener has terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) fail(err error) {
	c.fatalMu.Lock()
	if c.fatal == nil {
		c.fatal = fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	c.fatalMu.Unlock()
	c.Close()
}

func (c *Conn) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// beginRead claims the read lease for an RPC. The listener yields at its
// next frame boundary; a frame it is mid-way through is read to completion
// first and deferred.
func (c *Conn) beginRead() {
	c.rpcWaiting.Store(true)
	c.interruptRead()
	c.readMu.Lock()
}

// endRead returns the lease and wakes the parked listener.
func (c *Conn) endRead() {
	c.readMu.Unlock()
	c.rpcWaiting.Store(false)
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

func (c *Conn) setInterrupt(cancel context.CancelFunc) {
	c.intMu.Lock()
	c.interrupt = cancel
	c.intMu.Unlock()
}

func (c *Conn) interruptRead() {
	c.intMu.Lock()
	if c.interrupt != nil {
		c.interrupt()
	}
	c.intMu.Unlock()
}

// listen supervises the read loop and reports its exit.
func (c *Conn) listen() {
	err := c.run()
	if err != nil {
		c.fail(err)
	}
	c.Close()

	if ferr := c.Err(); ferr != nil && !errors.Is(ferr, ErrConnClosed) {
		err = ferr
	}
	if err != nil {
		logx.Log.Warn().Err(err).Msg("broadcast listener terminated")
	} else {
		logx.Log.Debug().Msg("broadcast listener stopped")
	}
	// OnExit runs before done closes so anyone unblocked by Done observes
	// the exit's effects. OnExit must therefore not wait on Done itself.
	if c.opts.OnExit != nil {
		c.opts.OnExit(err)
	}
	close(c.done)
}

// run is the broadcast read loop. It terminates on connection failure,
// local close, a fatal handler error, or — under EmptyFrameStop — the first
// zero-length broadcast.
func (c *Conn) run() error {
	for {
		if c.stopped() {
			return nil
		}
		if c.rpcWaiting.Load() {
			c.park()
			continue
		}

		stop, err := c.flushDeferred()
		if err != nil || stop {
			return err
		}

		payload, err := c.readOne()
		if errors.Is(err, errYield) {
			continue
		}
		if err != nil {
			if c.stopped() {
				return nil
			}
			return err
		}

		if c.rpcWaiting.Load() {
			// Completed after a call claimed the lease: this frame predates
			// the call's request, but must not reach the state machine
			// before the call's response returns.
			c.deferred = append(c.deferred, payload)
			continue
		}

		stop, err = c.dispatch(payload)
		if err != nil || stop {
			return err
		}
	}
}

// readOne reads a single frame under the lease, yielding without consuming
// anything if a call is claiming it.
func (c *Conn) readOne() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.setInterrupt(cancel)
	defer c.setInterrupt(nil)

	// Re-check after installing the interrupt: a claim that fired in between
	// would otherwise be missed.
	if c.rpcWaiting.Load() || c.stopped() {
		return nil, errYield
	}

	payload, err := c.fr.ReadFrame(ctx)
	if errors.Is(err, context.Canceled) {
		return nil, errYield
	}
	return payload, err
}

// park blocks until the RPC holding the lease releases it.
func (c *Conn) park() {
	select {
	case <-c.resume:
	case <-c.stop:
	}
}

func (c *Conn) flushDeferred() (stop bool, err error) {
	for len(c.deferred) > 0 {
		payload := c.deferred[0]
		c.deferred = c.deferred[1:]
		if stop, err = c.dispatch(payload); err != nil || stop {
			return stop, err
		}
	}
	return false, nil
}

func (c *Conn) dispatch(payload []byte) (stop bool, err error) {
	if len(payload) == 0 {
		if c.opts.EmptyFrames == EmptyFrameStop {
			logx.Log.Info().Msg("zero-length broadcast: stopping listener")
			return true, nil
		}
		logx.Log.Debug().Msg("zero-length broadcast ignored")
		return false, nil
	}
	if c.opts.Handler != nil {
		if err := c.opts.Handler(payload); err != nil {
			return false, err
		}
	}
	return false, nil
}
