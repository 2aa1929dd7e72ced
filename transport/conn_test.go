package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"tilelobby/protocol"
)

// fakePeer drives the server end of a net.Pipe with real frames.
type fakePeer struct {
	conn net.Conn
	fr   *protocol.Framer
}

func newFakePeer(conn net.Conn) *fakePeer {
	return &fakePeer{conn: conn, fr: protocol.NewFramer(conn)}
}

// expectRequest reads one op header + request frame.
func (p *fakePeer) expectRequest(t *testing.T, want protocol.Opcode) []byte {
	t.Helper()
	op, err := p.fr.ReadOpHeader(context.Background())
	if err != nil {
		t.Fatalf("server: read op header: %v", err)
	}
	if op != want {
		t.Fatalf("server: got op %s, want %s", op, want)
	}
	payload, err := p.fr.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("server: read request frame: %v", err)
	}
	return payload
}

func (p *fakePeer) send(t *testing.T, payload []byte) {
	t.Helper()
	if err := p.fr.WriteFrame(payload); err != nil {
		t.Fatalf("server: write frame: %v", err)
	}
}

// recorder collects broadcast payloads handed to the handler.
type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	notify   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 16)}
}

func (r *recorder) handle(payload []byte) error {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for r.count() < n {
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d broadcasts, have %d", n, r.count())
		}
	}
}

func testConn(t *testing.T, opts Options) (*Conn, *fakePeer) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	c := New(clientEnd, opts)
	t.Cleanup(func() {
		c.Close()
		serverEnd.Close()
	})
	return c, newFakePeer(serverEnd)
}

func TestCallRoundTrip(t *testing.T) {
	rec := newRecorder()
	c, peer := testConn(t, Options{Handler: rec.handle})

	go func() {
		req := peer.expectRequest(t, protocol.OpConnect)
		var body map[string]string
		if err := json.Unmarshal(req, &body); err != nil || body["name"] != "Alice" {
			t.Errorf("server: unexpected request body %q", req)
		}
		peer.send(t, []byte(`{"success":true}`))
	}()

	resp, err := c.Call(context.Background(), protocol.OpConnect, []byte(`{"name":"Alice"}`), true)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(resp) != `{"success":true}` {
		t.Fatalf("unexpected response %q", resp)
	}
}

func TestCallSerial(t *testing.T) {
	rec := newRecorder()
	c, peer := testConn(t, Options{Handler: rec.handle})

	go func() {
		for i := 0; i < 3; i++ {
			peer.expectRequest(t, protocol.OpHeartbeat)
			peer.send(t, []byte(`{"success":true}`))
		}
	}()

	for i := 0; i < 3; i++ {
		resp, err := c.Call(context.Background(), protocol.OpHeartbeat, nil, true)
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if string(resp) != `{"success":true}` {
			t.Fatalf("call %d: unexpected response %q", i, resp)
		}
	}
}

// Concurrent callers must serialize: the protocol has no request IDs, so the
// fake server answers strictly in arrival order and every caller must still
// get a response.
func TestCallConcurrent(t *testing.T) {
	rec := newRecorder()
	c, peer := testConn(t, Options{Handler: rec.handle})

	const calls = 10
	go func() {
		for i := 0; i < calls; i++ {
			peer.expectRequest(t, protocol.OpListLobby)
			peer.send(t, []byte(`{"success":true}`))
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Call(context.Background(), protocol.OpListLobby, nil, true)
			if err != nil {
				t.Errorf("call failed: %v", err)
				return
			}
			if string(resp) != `{"success":true}` {
				t.Errorf("unexpected response %q", resp)
			}
		}()
	}
	wg.Wait()
}

func TestCallNoResponse(t *testing.T) {
	rec := newRecorder()
	c, peer := testConn(t, Options{Handler: rec.handle})

	done := make(chan struct{})
	go func() {
		peer.expectRequest(t, protocol.OpDisconnect)
		close(done)
	}()

	if _, err := c.Call(context.Background(), protocol.OpDisconnect, nil, false); err != nil {
		t.Fatalf("fire-and-forget call failed: %v", err)
	}
	<-done
}

func TestBroadcastReachesHandler(t *testing.T) {
	rec := newRecorder()
	_, peer := testConn(t, Options{Handler: rec.handle})

	peer.send(t, []byte(`{"event":1}`))
	peer.send(t, []byte(`{"event":2}`))

	rec.waitFor(t, 2)
	if string(rec.payloads[0]) != `{"event":1}` {
		t.Errorf("broadcast order lost: %q", rec.payloads[0])
	}
}

// Ordering invariant: a broadcast the listener starts reading just before a
// call claims the read lease is completed, deferred, and dispatched only
// after the call's response has been returned — and the call receives
// exactly its response frame.
func TestBroadcastDeferredBehindCall(t *testing.T) {
	rec := newRecorder()
	c, peer := testConn(t, Options{Handler: rec.handle})

	broadcast := []byte(`{"event":3}`)
	frame := make([]byte, protocol.LengthSize+len(broadcast))
	frame[0] = byte(len(broadcast))
	copy(frame[protocol.LengthSize:], broadcast)

	// First byte of the broadcast frame: the listener is now mid-frame and
	// cannot yield until the frame completes.
	if _, err := peer.conn.Write(frame[:1]); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	type callResult struct {
		resp []byte
		err  error
	}
	resCh := make(chan callResult, 1)
	go func() {
		resp, err := c.Call(context.Background(), protocol.OpCreateLobby, []byte(`{}`), true)
		resCh <- callResult{resp, err}
	}()

	// Give the call time to claim the lease, then let the broadcast frame
	// complete and serve the RPC.
	time.Sleep(20 * time.Millisecond)
	if _, err := peer.conn.Write(frame[1:]); err != nil {
		t.Fatal(err)
	}
	peer.expectRequest(t, protocol.OpCreateLobby)

	if rec.count() != 0 {
		t.Fatal("broadcast dispatched before the call's response returned")
	}

	peer.send(t, []byte(`{"success":true,"lobby":{"id":1}}`))

	res := <-resCh
	if res.err != nil {
		t.Fatalf("call failed: %v", res.err)
	}
	if string(res.resp) != `{"success":true,"lobby":{"id":1}}` {
		t.Fatalf("call got the wrong frame: %q", res.resp)
	}

	// The deferred broadcast arrives right after.
	rec.waitFor(t, 1)
	if string(rec.payloads[0]) != string(broadcast) {
		t.Fatalf("deferred broadcast mismatch: %q", rec.payloads[0])
	}
}

// Peer closes mid-response (3 of 4 length-prefix bytes): the call must fail
// with a framing error rather than hang, and the listener must terminate.
func TestTruncatedResponseFailsCall(t *testing.T) {
	rec := newRecorder()
	var exitErr error
	exited := make(chan struct{})
	c, peer := testConn(t, Options{
		Handler: rec.handle,
		OnExit: func(err error) {
			exitErr = err
			close(exited)
		},
	})

	go func() {
		peer.expectRequest(t, protocol.OpStartGame)
		peer.conn.Write([]byte{0x0B, 0x00, 0x00})
		peer.conn.Close()
	}()

	_, err := c.Call(context.Background(), protocol.OpStartGame, nil, true)
	if !errors.Is(err, protocol.ErrTruncated) {
		t.Fatalf("expect ErrTruncated, got %v", err)
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not terminate after connection loss")
	}
	_ = exitErr

	// Every later call fails fast.
	if _, err := c.Call(context.Background(), protocol.OpHeartbeat, nil, true); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expect ErrConnectionLost on a dead connection, got %v", err)
	}
}

func TestListenerExitOnPeerClose(t *testing.T) {
	rec := newRecorder()
	exited := make(chan error, 1)
	_, peer := testConn(t, Options{
		Handler: rec.handle,
		OnExit:  func(err error) { exited <- err },
	})

	peer.conn.Close()

	select {
	case err := <-exited:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expect ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not notice the peer closing")
	}
}

func TestZeroLengthResponse(t *testing.T) {
	rec := newRecorder()
	c, peer := testConn(t, Options{Handler: rec.handle})

	go func() {
		peer.expectRequest(t, protocol.OpQuitLobby)
		peer.send(t, nil)
	}()

	resp, err := c.Call(context.Background(), protocol.OpQuitLobby, nil, true)
	if err != nil {
		t.Fatalf("an empty response is valid, got error: %v", err)
	}
	if resp == nil || len(resp) != 0 {
		t.Fatalf("expect empty non-nil response, got %v", resp)
	}
}

func TestEmptyBroadcastIgnoredByDefault(t *testing.T) {
	rec := newRecorder()
	_, peer := testConn(t, Options{Handler: rec.handle})

	peer.send(t, nil)
	peer.send(t, []byte(`{"event":1}`))

	rec.waitFor(t, 1)
	if string(rec.payloads[0]) != `{"event":1}` {
		t.Fatalf("zero-length frame must be skipped, got %q", rec.payloads[0])
	}
}

func TestEmptyBroadcastStopsListenerWhenConfigured(t *testing.T) {
	rec := newRecorder()
	exited := make(chan error, 1)
	_, peer := testConn(t, Options{
		Handler:     rec.handle,
		EmptyFrames: EmptyFrameStop,
		OnExit:      func(err error) { exited <- err },
	})

	peer.send(t, nil)

	select {
	case err := <-exited:
		if err != nil {
			t.Fatalf("stop policy is a clean exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on the zero-length frame")
	}
}

// A fatal handler error (protocol mismatch, decode failure) tears down the
// connection.
func TestHandlerErrorIsFatal(t *testing.T) {
	boom := errors.New("bad event")
	exited := make(chan error, 1)
	c, peer := testConn(t, Options{
		Handler: func([]byte) error { return boom },
		OnExit:  func(err error) { exited <- err },
	})

	peer.send(t, []byte(`{"event":99}`))

	select {
	case err := <-exited:
		if !errors.Is(err, boom) {
			t.Fatalf("expect handler error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not terminate on handler error")
	}

	if err := c.Err(); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("connection must be marked lost, got %v", err)
	}
}

// Cancelling before any response byte arrives aborts the call and resets the
// connection: the orphaned response could never be matched afterwards.
func TestCancelBeforeResponseResetsConn(t *testing.T) {
	rec := newRecorder()
	c, peer := testConn(t, Options{Handler: rec.handle})

	go func() {
		peer.expectRequest(t, protocol.OpJoinLobby)
		// never respond
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := c.Call(ctx, protocol.OpJoinLobby, []byte(`{"lobby_id":1}`), true)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}

	if _, err := c.Call(context.Background(), protocol.OpHeartbeat, nil, true); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("connection must be reset after an abandoned call, got %v", err)
	}
}

// A deadline expiry behaves like cancellation: the call fails and the
// connection resets rather than trying to resynchronize.
func TestCallDeadlineResetsConn(t *testing.T) {
	rec := newRecorder()
	c, peer := testConn(t, Options{Handler: rec.handle})

	go func() {
		peer.expectRequest(t, protocol.OpStartGame)
		// never respond
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, protocol.OpStartGame, nil, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
	if c.Err() == nil {
		t.Fatal("connection must be marked failed after a timed-out call")
	}
}
