// Package state implements the protocol state machine that decides how a
// broadcast frame is interpreted.
//
// Exactly one state is active at a time: Connecting, InLobby, InGame, or
// Disconnected. The active state owns the decode rule for incoming broadcast
// payloads — lobby frames and game frames share one framing but different
// schema families. Transitions are driven by the application layer (e.g. the
// consumer of a Start lobby event moves the machine to InGame); the listener
// never transitions on its own.
package state

import (
	"errors"
	"fmt"
	"sync"

	"tilelobby/logx"
	"tilelobby/message"
)

// ErrProtocolMismatch reports a broadcast whose event tag does not belong to
// the active state's schema family. This means client and server disagree
// about which context the connection is in — fatal, the session must tear
// the connection down rather than try to recover.
var ErrProtocolMismatch = errors.New("event tag outside active schema family")

// Phase names the closed set of protocol states.
type Phase int

const (
	Connecting Phase = iota
	InLobby
	InGame
	Disconnected
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "Connecting"
	case InLobby:
		return "InLobby"
	case InGame:
		return "InGame"
	case Disconnected:
		return "Disconnected"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// State interprets broadcast payloads received while it is active.
type State interface {
	Phase() Phase
	// Handle decodes one broadcast payload and folds it into the state's
	// derived view. A nil Broadcast with nil error means the frame was
	// deliberately dropped.
	Handle(payload []byte) (message.Broadcast, error)
}

// Machine holds the single active state. States are replaced, never mutated
// in place: a frame whose Handle began under state A completes under A even
// if TransitionTo(B) lands concurrently.
type Machine struct {
	mu  sync.RWMutex
	cur State
}

// NewMachine starts in Connecting.
func NewMachine() *Machine {
	return &Machine{cur: ConnectingState{}}
}

// Current returns the installed state. Readers always observe a fully
// constructed state, never a partially initialized one.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Phase returns the active phase.
func (m *Machine) Phase() Phase {
	return m.Current().Phase()
}

// TransitionTo atomically replaces the active state.
func (m *Machine) TransitionTo(s State) {
	m.mu.Lock()
	prev := m.cur
	m.cur = s
	m.mu.Unlock()
	logx.Log.Debug().
		Stringer("from", prev.Phase()).
		Stringer("to", s.Phase()).
		Msg("protocol state transition")
}

// Handle dispatches one broadcast payload to the active state. The state is
// snapshotted first, so an in-flight handle is never switched mid-decode.
func (m *Machine) Handle(payload []byte) (message.Broadcast, error) {
	return m.Current().Handle(payload)
}

// ConnectingState is the transient pre-handshake state. No broadcasts are
// expected before the Connect call succeeds; anything that does arrive is
// dropped.
type ConnectingState struct{}

func (ConnectingState) Phase() Phase { return Connecting }

func (ConnectingState) Handle(payload []byte) (message.Broadcast, error) {
	logx.Log.Debug().Int("bytes", len(payload)).Msg("broadcast before handshake dropped")
	return nil, nil
}

// DisconnectedState is terminal. Broadcasts that race the teardown are
// dropped with a notice, never an error.
type DisconnectedState struct{}

func (DisconnectedState) Phase() Phase { return Disconnected }

func (DisconnectedState) Handle(payload []byte) (message.Broadcast, error) {
	logx.Log.Info().Int("bytes", len(payload)).Msg("broadcast after disconnect dropped")
	return nil, nil
}
