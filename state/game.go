package state

import (
	"fmt"
	"sync"

	"tilelobby/codec"
	"tilelobby/message"
)

// GameState decodes broadcasts with the game-event schema and maintains the
// client-visible board view.
type GameState struct {
	cdc codec.Codec

	mu      sync.RWMutex
	board   *message.Board
	players []message.Player
	cards   []message.Card
	current *message.Player
	next    *message.Player
}

// NewGame creates the in-game state, seeded from whatever the Start lobby
// event announced. Any argument may be nil/empty; the first game broadcast
// fills the gaps.
func NewGame(cdc codec.Codec, players []message.Player, cards []message.Card) *GameState {
	return &GameState{cdc: cdc, players: players, cards: cards}
}

func (s *GameState) Phase() Phase { return InGame }

func (s *GameState) Handle(payload []byte) (message.Broadcast, error) {
	var ev message.GameEvent
	if err := s.cdc.Decode(payload, &ev); err != nil {
		return nil, err
	}
	if !ev.Event.Valid() {
		return nil, fmt.Errorf("%w: tag %d while in game", ErrProtocolMismatch, uint8(ev.Event))
	}

	s.mu.Lock()
	s.apply(&ev)
	s.mu.Unlock()
	return &ev, nil
}

func (s *GameState) apply(ev *message.GameEvent) {
	if ev.Board != nil {
		s.board = ev.Board
	}
	if ev.Players != nil {
		s.players = ev.Players
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
	if ev.Event == message.GameDestroy {
		s.board = nil
		s.players = nil
	}
}

// Board returns the latest board view, or nil before the first board
// broadcast. Replaced wholesale by events, never mutated.
func (s *GameState) Board() *message.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.board
}

// Players returns the participants still in the game.
func (s *GameState) Players() []message.Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.players
}

// Cards returns the local player's current hand.
func (s *GameState) Cards() []message.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cards
}

// Turn returns whose turn it is and who follows.
func (s *GameState) Turn() (current, next *message.Player) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.next
}
