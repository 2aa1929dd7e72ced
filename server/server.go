// Package server implements an in-memory game server speaking the client's
// wire protocol: an accept loop, one reader goroutine per connection, and
// lobby-scoped broadcasts. It backs integration tests and local play.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tilelobby/codec"
	"tilelobby/logx"
	"tilelobby/message"
	"tilelobby/protocol"
	"tilelobby/registry"
)

// Options configures a Server.
type Options struct {
	// Registry, when set, receives this server's address on Serve and a
	// deregistration on Shutdown.
	Registry registry.Registry
	// AdvertiseAddr is the address written to the registry. Defaults to the
	// listener's address, which is only routable for local clients.
	AdvertiseAddr string
	// RegistrationTTL is the registry lease in seconds. Defaults to 10.
	RegistrationTTL int64
	// MaxPlayersDefault caps lobbies created without an explicit limit.
	MaxPlayersDefault int
	// PlayerTimeout evicts a connection that has sent no request — heartbeats
	// included — for this long. Defaults to 30s.
	PlayerTimeout time.Duration
}

// Server accepts game connections and runs lobbies.
type Server struct {
	opts Options
	hub  *hub

	mu       sync.Mutex
	ln       net.Listener
	conns    map[*clientConn]struct{}
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// New builds a stopped server. Call Serve or ListenAndServe to run it.
func New(opts Options) *Server {
	if opts.RegistrationTTL <= 0 {
		opts.RegistrationTTL = 10
	}
	if opts.MaxPlayersDefault <= 0 {
		opts.MaxPlayersDefault = 4
	}
	if opts.PlayerTimeout <= 0 {
		opts.PlayerTimeout = 30 * time.Second
	}
	return &Server{
		opts:  opts,
		hub:   newHub(opts.MaxPlayersDefault),
		conns: make(map[*clientConn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on ln. It returns nil after Shutdown and the
// accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	if s.opts.Registry != nil {
		addr := s.opts.AdvertiseAddr
		if addr == "" {
			addr = ln.Addr().String()
		}
		inst := registry.ServerInstance{Addr: addr, Weight: 1, Version: "1.0"}
		if err := s.opts.Registry.Register(inst, s.opts.RegistrationTTL); err != nil {
			return err
		}
	}
	logx.Log.Info().Str("addr", ln.Addr().String()).Msg("game server listening")
	go s.sweepIdle()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		c := &clientConn{
			raw: raw,
			fr:  protocol.NewFramer(raw),
			cdc: codec.Default(),
		}
		c.lastSeen.Store(time.Now().UnixNano())
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(c)
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting, closes every connection, and waits for the
// per-connection goroutines until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Store(true)
	if s.opts.Registry != nil {
		addr := s.opts.AdvertiseAddr
		if addr == "" {
			if a := s.Addr(); a != nil {
				addr = a.String()
			}
		}
		if addr != "" {
			if err := s.opts.Registry.Deregister(addr); err != nil {
				logx.Log.Warn().Err(err).Msg("deregister failed")
			}
		}
	}

	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	for c := range s.conns {
		c.raw.Close()
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweepIdle closes connections that have been silent past the player
// timeout. The heartbeat a healthy client sends keeps it off the sweep;
// the closed socket unwinds the reader goroutine, which releases the
// player's name and lobby seat like any other loss.
func (s *Server) sweepIdle() {
	ticker := time.NewTicker(s.opts.PlayerTimeout / 2)
	defer ticker.Stop()
	for range ticker.C {
		if s.shutdown.Load() {
			return
		}
		cutoff := time.Now().Add(-s.opts.PlayerTimeout).UnixNano()
		s.mu.Lock()
		for c := range s.conns {
			if c.lastSeen.Load() < cutoff {
				logx.Log.Info().Msg("evicting idle connection")
				c.raw.Close()
			}
		}
		s.mu.Unlock()
	}
}

// handleConn reads requests in order and answers each before reading the
// next; responses never interleave with each other, only with broadcasts.
func (s *Server) handleConn(c *clientConn) {
	defer s.wg.Done()
	defer func() {
		s.hub.drop(c)
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.raw.Close()
	}()

	ctx := context.Background()
	for {
		op, err := c.fr.ReadOpHeader(ctx)
		if err != nil {
			if !errors.Is(err, protocol.ErrClosed) {
				logx.Log.Debug().Err(err).Msg("connection read failed")
			}
			return
		}
		payload, err := c.fr.ReadFrame(ctx)
		if err != nil {
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())
		resp := s.hub.handle(c, op, payload)
		if err := c.send(resp); err != nil {
			return
		}
		// Broadcasts a request triggers toward its own sender go out only
		// after the response: the client matches responses to requests by
		// order, so the response must be the next frame it sees.
		for _, ev := range c.pending {
			c.push(ev)
		}
		c.pending = nil
	}
}

// clientConn is one connected player. The write mutex serializes response
// and broadcast frames onto the socket.
type clientConn struct {
	raw net.Conn
	fr  *protocol.Framer
	cdc codec.Codec

	writeMu sync.Mutex
	player  *message.Player
	room    *lobbyRoom

	// lastSeen is the unix-nano time of the last request on this
	// connection; the idle sweeper evicts connections that stop sending.
	lastSeen atomic.Int64

	// pending holds broadcasts addressed to this connection by its own
	// in-flight request. Touched only by the connection's reader goroutine
	// and the hub while that goroutine waits on it.
	pending []any
}

func (c *clientConn) send(v any) error {
	data, err := c.cdc.Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.fr.WriteFrame(data)
}

// push delivers a broadcast, logging instead of failing the sender's
// request when the receiver's socket is gone.
func (c *clientConn) push(v any) {
	if err := c.send(v); err != nil {
		logx.Log.Debug().Err(err).Msg("broadcast push failed")
	}
}
