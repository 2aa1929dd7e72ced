package state

import (
	"fmt"
	"sync"

	"tilelobby/codec"
	"tilelobby/message"
)

// LobbyState decodes broadcasts with the lobby-event schema and maintains the
// client-visible lobby view. Fields absent from an event are left unchanged.
type LobbyState struct {
	cdc codec.Codec

	mu      sync.RWMutex
	lobby   *message.Lobby
	cards   []message.Card
	current *message.Player
	next    *message.Player
}

// NewLobby creates the in-lobby state. lobby may be nil when the client is
// connected but has not created or joined a lobby yet.
func NewLobby(cdc codec.Codec, lobby *message.Lobby) *LobbyState {
	return &LobbyState{cdc: cdc, lobby: lobby}
}

func (s *LobbyState) Phase() Phase { return InLobby }

func (s *LobbyState) Handle(payload []byte) (message.Broadcast, error) {
	var ev message.LobbyEvent
	if err := s.cdc.Decode(payload, &ev); err != nil {
		return nil, err
	}
	if !ev.Event.Valid() {
		return nil, fmt.Errorf("%w: tag %d while in lobby", ErrProtocolMismatch, uint8(ev.Event))
	}

	s.mu.Lock()
	s.apply(&ev)
	s.mu.Unlock()
	return &ev, nil
}

func (s *LobbyState) apply(ev *message.LobbyEvent) {
	if ev.Lobby != nil {
		s.lobby = ev.Lobby
	}
	if ev.Cards != nil {
		s.cards = ev.Cards
	}
	if ev.CurrentPlayer != nil {
		s.current = ev.CurrentPlayer
	}
	if ev.NextPlayer != nil {
		s.next = ev.NextPlayer
	}
	if ev.Event == message.LobbyDestroy {
		s.lobby = nil
	}
}

// Lobby returns the current lobby view, or nil when not in a lobby. The
// returned value is replaced wholesale by events, never mutated, so it is
// safe to read without further locking.
func (s *LobbyState) Lobby() *message.Lobby {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lobby
}

// Cards returns the hand dealt while waiting for the game to start.
func (s *LobbyState) Cards() []message.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cards
}

// Turn returns the current and next player announced by a Start event.
func (s *LobbyState) Turn() (current, next *message.Player) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.next
}
