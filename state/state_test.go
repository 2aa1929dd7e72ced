package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilelobby/codec"
	"tilelobby/message"
)

func lobbyPayload(t *testing.T, ev message.LobbyEvent) []byte {
	t.Helper()
	b, err := json.Marshal(&ev)
	require.NoError(t, err)
	return b
}

func gamePayload(t *testing.T, ev message.GameEvent) []byte {
	t.Helper()
	b, err := json.Marshal(&ev)
	require.NoError(t, err)
	return b
}

func TestLobbyHandleJoin(t *testing.T) {
	s := NewLobby(codec.Default(), nil)

	payload := lobbyPayload(t, message.LobbyEvent{
		Event: message.LobbyJoin,
		Lobby: &message.Lobby{ID: 7, Players: []message.Player{{ID: 1, Name: "Alice"}}},
	})

	got, err := s.Handle(payload)
	require.NoError(t, err)

	ev, ok := got.(*message.LobbyEvent)
	require.True(t, ok, "lobby state must decode lobby events")
	assert.Equal(t, message.LobbyJoin, ev.Event)
	require.NotNil(t, ev.Lobby)
	assert.Equal(t, uint32(7), ev.Lobby.ID)
	assert.Nil(t, ev.Cards, "absent fields stay absent")
	assert.Nil(t, ev.CurrentPlayer)

	require.NotNil(t, s.Lobby())
	assert.Equal(t, uint32(7), s.Lobby().ID)
}

func TestLobbyHandleDestroyClearsLobby(t *testing.T) {
	s := NewLobby(codec.Default(), &message.Lobby{ID: 3})

	_, err := s.Handle(lobbyPayload(t, message.LobbyEvent{Event: message.LobbyDestroy}))
	require.NoError(t, err)
	assert.Nil(t, s.Lobby())
}

func TestLobbyHandleLeaveKeepsUnsentFields(t *testing.T) {
	s := NewLobby(codec.Default(), &message.Lobby{ID: 3, Players: []message.Player{{ID: 1}, {ID: 2}}})

	// Leave resends the lobby with one player fewer; cards are not resent.
	_, err := s.Handle(lobbyPayload(t, message.LobbyEvent{
		Event: message.LobbyStart,
		Cards: []message.Card{{Symbol: "a"}, {Symbol: "b"}},
	}))
	require.NoError(t, err)

	_, err = s.Handle(lobbyPayload(t, message.LobbyEvent{
		Event: message.LobbyLeave,
		Lobby: &message.Lobby{ID: 3, Players: []message.Player{{ID: 1}}},
	}))
	require.NoError(t, err)

	assert.Len(t, s.Lobby().Players, 1)
	assert.Len(t, s.Cards(), 2, "cards absent from the event stay unchanged")
}

func TestLobbyRejectsGameFamilyTag(t *testing.T) {
	s := NewLobby(codec.Default(), nil)

	// A PlaceTile game event delivered while in the lobby.
	payload := gamePayload(t, message.GameEvent{Event: message.GamePlaceTile})

	_, err := s.Handle(payload)
	require.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestGameHandleFinishTurn(t *testing.T) {
	s := NewGame(codec.Default(), nil, nil)

	payload := gamePayload(t, message.GameEvent{
		Event:         message.GameFinishTurn,
		CurrentPlayer: &message.Player{ID: 2, Name: "Bob"},
		NextPlayer:    &message.Player{ID: 1, Name: "Alice"},
	})

	got, err := s.Handle(payload)
	require.NoError(t, err)
	ev := got.(*message.GameEvent)
	assert.Equal(t, message.GameFinishTurn, ev.Event)

	current, next := s.Turn()
	require.NotNil(t, current)
	assert.Equal(t, "Bob", current.Name)
	require.NotNil(t, next)
	assert.Equal(t, "Alice", next.Name)
	assert.Nil(t, s.Board(), "no board sent yet")
}

func TestGameRejectsLobbyFamilyTag(t *testing.T) {
	s := NewGame(codec.Default(), nil, nil)

	payload := lobbyPayload(t, message.LobbyEvent{Event: message.LobbyJoin})

	_, err := s.Handle(payload)
	require.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestHandleMalformedPayload(t *testing.T) {
	s := NewLobby(codec.Default(), nil)
	_, err := s.Handle([]byte("not json"))
	require.ErrorIs(t, err, codec.ErrDecode)
}

func TestDisconnectedDropsFrames(t *testing.T) {
	m := NewMachine()
	m.TransitionTo(DisconnectedState{})

	ev, err := m.Handle([]byte(`{"event":1}`))
	assert.NoError(t, err, "late broadcasts are dropped, not errors")
	assert.Nil(t, ev)
}

func TestMachineStartsConnecting(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, Connecting, m.Phase())

	ev, err := m.Handle([]byte(`{"event":1}`))
	assert.NoError(t, err)
	assert.Nil(t, ev, "pre-handshake broadcasts are dropped")
}

// blockingState lets the test hold a Handle call open across a transition.
type blockingState struct {
	entered  chan struct{}
	release  chan struct{}
	observed chan Phase
}

func (b *blockingState) Phase() Phase { return InLobby }

func (b *blockingState) Handle(payload []byte) (message.Broadcast, error) {
	close(b.entered)
	<-b.release
	b.observed <- b.Phase()
	return &message.LobbyEvent{Event: message.LobbyJoin}, nil
}

// A Handle that began under state A completes under A even when a transition
// to B lands while it is in flight.
func TestTransitionDoesNotInterruptHandle(t *testing.T) {
	m := NewMachine()
	blocking := &blockingState{
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		observed: make(chan Phase, 1),
	}
	m.TransitionTo(blocking)

	done := make(chan message.Broadcast, 1)
	go func() {
		ev, _ := m.Handle([]byte("{}"))
		done <- ev
	}()

	<-blocking.entered
	m.TransitionTo(DisconnectedState{})
	close(blocking.release)

	ev := <-done
	require.NotNil(t, ev, "the in-flight frame must not be lost")
	assert.Equal(t, InLobby, <-blocking.observed)
	assert.Equal(t, Disconnected, m.Phase(), "the transition itself still took effect")
}
