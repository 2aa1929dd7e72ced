package message

import "fmt"

// Broadcast is a decoded server-pushed event. The concrete type depends on
// which context the client occupied when the frame arrived: lobby frames
// decode to *LobbyEvent, game frames to *GameEvent.
type Broadcast interface {
	// Tag returns the event tag as a printable name.
	Tag() string
}

// LobbyEventTag enumerates the lobby event family.
type LobbyEventTag uint8

const (
	LobbyJoin LobbyEventTag = iota + 1
	LobbyLeave
	LobbyDestroy
	LobbyStart
)

var lobbyTagNames = map[LobbyEventTag]string{
	LobbyJoin:    "Join",
	LobbyLeave:   "Leave",
	LobbyDestroy: "Destroy",
	LobbyStart:   "Start",
}

func (t LobbyEventTag) String() string {
	if name, ok := lobbyTagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("LobbyEventTag(%d)", uint8(t))
}

// Valid reports whether t belongs to the lobby event family.
func (t LobbyEventTag) Valid() bool {
	_, ok := lobbyTagNames[t]
	return ok
}

// GameEventTag enumerates the in-game event family. The numeric range is
// disjoint from LobbyEventTag so a frame decoded under the wrong state
// surfaces as a protocol mismatch instead of a plausible event.
type GameEventTag uint8

const (
	GamePlaceTile GameEventTag = iota + 11
	GameShuffle
	GameLeave
	GameDestroy
	GameFinishTurn
)

var gameTagNames = map[GameEventTag]string{
	GamePlaceTile:  "PlaceTile",
	GameShuffle:    "Shuffle",
	GameLeave:      "Leave",
	GameDestroy:    "Destroy",
	GameFinishTurn: "FinishTurn",
}

func (t GameEventTag) String() string {
	if name, ok := gameTagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("GameEventTag(%d)", uint8(t))
}

// Valid reports whether t belongs to the game event family.
func (t GameEventTag) Valid() bool {
	_, ok := gameTagNames[t]
	return ok
}

// LobbyEvent is a broadcast received while the client is in a lobby. The tag
// decides which of the optional fields are meaningful.
type LobbyEvent struct {
	Event         LobbyEventTag `json:"event"`
	Lobby         *Lobby        `json:"lobby,omitempty"`
	Cards         []Card        `json:"cards,omitempty"`
	CurrentPlayer *Player       `json:"current_player,omitempty"`
	NextPlayer    *Player       `json:"next_player,omitempty"`
}

func (e *LobbyEvent) Tag() string { return e.Event.String() }

// GameEvent is a broadcast received while the client is in a running game.
type GameEvent struct {
	Event         GameEventTag `json:"event"`
	Board         *Board       `json:"board,omitempty"`
	Players       []Player     `json:"players,omitempty"`
	Cards         []Card       `json:"cards,omitempty"`
	CurrentPlayer *Player      `json:"current_player,omitempty"`
	NextPlayer    *Player      `json:"next_player,omitempty"`
}

func (e *GameEvent) Tag() string { return e.Event.String() }
