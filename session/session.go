// Package session is the client façade: it owns the socket, the protocol
// state machine, and the heartbeat, and exposes the game operations as
// typed methods.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"tilelobby/codec"
	"tilelobby/config"
	"tilelobby/loadbalance"
	"tilelobby/logx"
	"tilelobby/message"
	"tilelobby/middleware"
	"tilelobby/protocol"
	"tilelobby/registry"
	"tilelobby/state"
	"tilelobby/transport"
)

var (
	// ErrNotConnected reports an operation before Connect or after the
	// connection is gone.
	ErrNotConnected = errors.New("session: not connected")
	// ErrAlreadyConnected reports a second Connect on a live session.
	ErrAlreadyConnected = errors.New("session: already connected")
)

// Dialer opens the raw socket. Swappable for tests.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Option customizes a Session beyond what the config file carries.
type Option func(*Session)

// WithRegistry supplies the service registry used to discover game servers.
// Without it, a registry is built from cfg.Discovery when endpoints are set.
func WithRegistry(reg registry.Registry) Option {
	return func(s *Session) { s.reg = reg }
}

// WithBalancer overrides the balancer named in cfg.Discovery.Balancer.
func WithBalancer(bal loadbalance.Balancer) Option {
	return func(s *Session) { s.bal = bal }
}

// WithCodec overrides the payload codec.
func WithCodec(cdc codec.Codec) Option {
	return func(s *Session) { s.cdc = cdc }
}

// WithMiddleware appends middleware around every RPC, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Session) { s.mws = append(s.mws, mws...) }
}

// WithDialer overrides how the socket is opened.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// link binds one connection to the machine, event channel, and heartbeat
// that belong to it. The closures handed to the transport capture the link,
// never the session's current fields: after a reconnect, the previous
// listener's asynchronous exit tears down its own link and cannot touch the
// successor's machine or close the successor's events channel.
type link struct {
	conn    *transport.Conn
	machine *state.Machine
	events  chan message.Broadcast
	hbStop  chan struct{}

	// closing marks a link whose teardown has begun. Guarded by Session.mu.
	closing bool

	exitMu  sync.Mutex
	exitErr error
}

// Session is a client connection to one game server. Create it with New,
// bring it up with Connect, and tear it down with Disconnect. Methods are
// safe for concurrent use; RPCs are serialized by the transport. A session
// whose connection ended may Connect again.
type Session struct {
	cfg    config.Config
	cdc    codec.Codec
	reg    registry.Registry
	bal    loadbalance.Balancer
	mws    []middleware.Middleware
	dial   Dialer
	invoke middleware.Invoker

	mu   sync.Mutex
	link *link
	name string
}

// New builds a session from configuration. The session holds no socket
// until Connect.
func New(cfg config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg: cfg,
		cdc: codec.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reg == nil && cfg.Discovery.Enabled() {
		reg, err := registry.NewEtcdRegistry(cfg.Discovery.Endpoints)
		if err != nil {
			return nil, fmt.Errorf("session: registry: %w", err)
		}
		s.reg = reg
	}
	if s.bal == nil {
		s.bal = loadbalance.ForName(cfg.Discovery.Balancer)
	}
	if s.dial == nil {
		s.dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.DialTimeout.Std()}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	s.invoke = middleware.Chain(s.mws...)(s.rawInvoke)
	return s, nil
}

// Connect dials the server, announces the player name, and starts the
// broadcast listener and heartbeat. On success the session is in the lobby
// browser.
func (s *Session) Connect(ctx context.Context, name string) error {
	s.mu.Lock()
	if s.link != nil && !s.link.closing && s.link.conn.Err() == nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	addr, err := s.resolveAddr(name)
	if err != nil {
		return err
	}
	raw, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("session: dial %s: %w", addr, err)
	}

	lk := &link{
		machine: state.NewMachine(),
		events:  make(chan message.Broadcast, s.cfg.EventBuffer),
		hbStop:  make(chan struct{}),
	}
	lk.conn = transport.New(raw, transport.Options{
		Handler:      func(payload []byte) error { return s.onBroadcast(lk, payload) },
		OnExit:       func(err error) { s.onListenerExit(lk, err) },
		EmptyFrames:  emptyFramePolicy(s.cfg.EmptyBroadcast),
		PollInterval: s.cfg.PollInterval.Std(),
	})

	s.mu.Lock()
	s.link = lk
	s.name = name
	s.mu.Unlock()

	var resp message.ConnectResponse
	req := message.ConnectRequest{Name: name}
	if err := s.call(ctx, protocol.OpConnect, &req, &resp); err != nil {
		s.mu.Lock()
		lk.closing = true
		s.mu.Unlock()
		lk.conn.Close()
		return fmt.Errorf("session: connect: %w", err)
	}

	lk.machine.TransitionTo(state.NewLobby(s.cdc, nil))
	s.startHeartbeat(lk)
	logx.Log.Info().Str("player", name).Str("addr", addr).Msg("connected")
	return nil
}

func (s *Session) resolveAddr(key string) (string, error) {
	if s.reg == nil {
		return s.cfg.Server.Addr, nil
	}
	instances, err := s.reg.Discover()
	if err != nil {
		return "", fmt.Errorf("session: discover: %w", err)
	}
	inst, err := s.bal.Pick(instances, key)
	if err != nil {
		return "", fmt.Errorf("session: pick server: %w", err)
	}
	return inst.Addr, nil
}

func emptyFramePolicy(name string) transport.EmptyFramePolicy {
	if name == "stop" {
		return transport.EmptyFrameStop
	}
	return transport.EmptyFrameIgnore
}

// current returns the active link, nil when there is none.
func (s *Session) current() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// onBroadcast runs on lk's listener goroutine for every broadcast frame.
// The state machine decodes and applies it; the session then performs the
// phase transitions some events imply, and forwards the decoded event to
// the application.
func (s *Session) onBroadcast(lk *link, payload []byte) error {
	ev, err := lk.machine.Handle(payload)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	s.transitionFor(lk, ev)
	select {
	case lk.events <- ev:
	default:
		logx.Log.Warn().Str("event", ev.Tag()).Msg("event buffer full, dropping")
	}
	return nil
}

// transitionFor moves the machine between phases for events that end one
// phase and begin another. Field merges within a phase are the state's own
// job; only the cross-phase edges live here.
func (s *Session) transitionFor(lk *link, ev message.Broadcast) {
	switch e := ev.(type) {
	case *message.LobbyEvent:
		switch e.Event {
		case message.LobbyStart:
			players := lobbyPlayers(lk.machine)
			game := state.NewGame(s.cdc, players, e.Cards)
			lk.machine.TransitionTo(game)
		case message.LobbyDestroy:
			lk.machine.TransitionTo(state.NewLobby(s.cdc, nil))
		}
	case *message.GameEvent:
		if e.Event == message.GameDestroy {
			lk.machine.TransitionTo(state.NewLobby(s.cdc, nil))
		}
	}
}

func lobbyPlayers(machine *state.Machine) []message.Player {
	lob, ok := machine.Current().(*state.LobbyState)
	if !ok {
		return nil
	}
	if l := lob.Lobby(); l != nil {
		return l.Players
	}
	return nil
}

// onListenerExit tears down exactly the link whose listener exited. A
// successor connection established in the meantime is untouched.
func (s *Session) onListenerExit(lk *link, err error) {
	if err != nil {
		logx.Log.Warn().Err(err).Msg("connection lost")
	}
	lk.exitMu.Lock()
	lk.exitErr = err
	lk.exitMu.Unlock()

	close(lk.hbStop)
	lk.machine.TransitionTo(state.DisconnectedState{})
	close(lk.events)
}

func (s *Session) startHeartbeat(lk *link) {
	interval := s.cfg.HeartbeatInterval.Std()
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-lk.hbStop:
				return
			case <-lk.conn.Done():
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout.Std())
			var resp message.HeartbeatResponse
			err := s.invokeOn(ctx, lk.conn, protocol.OpHeartbeat, nil, &resp)
			cancel()
			if err != nil {
				logx.Log.Debug().Err(err).Msg("heartbeat failed")
				if lk.conn.Err() != nil {
					return
				}
			}
		}
	}()
}

// Disconnect announces the departure to the server and tears the session
// down. The announcement is best effort: whatever the server answers, and
// whether or not it can be reached at all, the local teardown proceeds.
// Safe to call more than once.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	lk := s.link
	if lk == nil || lk.closing {
		s.mu.Unlock()
		return nil
	}
	lk.closing = true
	s.mu.Unlock()

	// Bypass the middleware chain: a departure announcement should not be
	// retried or rate limited.
	var resp message.DisconnectResponse
	if err := s.invokeOn(ctx, lk.conn, protocol.OpDisconnect, nil, &resp); err != nil {
		logx.Log.Debug().Err(err).Msg("disconnect announcement failed")
	}

	lk.machine.TransitionTo(state.DisconnectedState{})
	return lk.conn.Close()
}

// Events delivers decoded broadcasts in arrival order. The channel is
// closed when the connection ends, and replaced by a fresh one on
// reconnect. Nil before the first Connect.
func (s *Session) Events() <-chan message.Broadcast {
	lk := s.current()
	if lk == nil {
		return nil
	}
	return lk.events
}

// TransitionTo forces the protocol state, for callers that track phase
// themselves. No-op before Connect.
func (s *Session) TransitionTo(st state.State) {
	if lk := s.current(); lk != nil {
		lk.machine.TransitionTo(st)
	}
}

// State returns the current protocol state, or nil before Connect.
func (s *Session) State() state.State {
	lk := s.current()
	if lk == nil {
		return nil
	}
	return lk.machine.Current()
}

// Phase returns the current protocol phase.
func (s *Session) Phase() state.Phase {
	lk := s.current()
	if lk == nil {
		return state.Disconnected
	}
	return lk.machine.Phase()
}

// Done is closed once the most recent connection's listener has fully
// exited — after Disconnect it still reports the old listener until its
// teardown is complete. Before the first Connect it returns an
// already-closed channel.
func (s *Session) Done() <-chan struct{} {
	lk := s.current()
	if lk == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return lk.conn.Done()
}

// Err reports why the most recent connection's listener exited: nil while
// it is still running or when it stopped cleanly.
func (s *Session) Err() error {
	lk := s.current()
	if lk == nil {
		return nil
	}
	lk.exitMu.Lock()
	defer lk.exitMu.Unlock()
	return lk.exitErr
}
