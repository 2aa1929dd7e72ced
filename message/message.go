// Package message defines the request, response, and broadcast bodies
// exchanged with the tile-game server, plus the domain types they carry.
//
// Bodies get serialized by the codec layer and wrapped in a protocol frame
// for transmission over TCP. Optional fields are pointers or slices with
// omitempty: an absent field means "unchanged", never "cleared".
package message

import "errors"

// ErrFailed reports a response whose embedded success flag is false. This is
// a normal failed result, not a connection-level fault — the connection stays
// open and the caller may retry at the application level.
var ErrFailed = errors.New("server rejected request")

// BoardSize is the fixed edge length of the game board. Tiles outside the
// 26×26 grid are rejected by the server.
const BoardSize = 26

// Player is a connected participant as the server presents it.
type Player struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// Card is a single playable symbol in a player's hand.
type Card struct {
	Symbol string `json:"symbol"`
}

// Tile is a placed card on the board. A zero Tile is an empty cell.
type Tile struct {
	Symbol string `json:"symbol,omitempty"`
	Owner  uint32 `json:"owner,omitempty"`
}

// Lobby is the pre-game waiting room.
type Lobby struct {
	ID         uint32   `json:"id"`
	Players    []Player `json:"players,omitempty"`
	MaxPlayers int      `json:"max_players,omitempty"`
}

// Board is the full game grid.
type Board struct {
	Tiles [BoardSize][BoardSize]Tile `json:"tiles"`
}

// Status is embedded in every response body. The success flag lives inside
// the decoded payload — the framing layer has no notion of failure.
type Status struct {
	Success bool `json:"success"`
}

// OK reports whether the server accepted the request.
func (s Status) OK() bool { return s.Success }

// Reply is implemented by every response body; it exposes the embedded
// success flag without knowing the concrete type.
type Reply interface {
	OK() bool
}

// ConnectRequest announces the player to the server.
type ConnectRequest struct {
	Name string `json:"name"`
}

type ConnectResponse struct {
	Status
}

// ListLobbyResponse carries every joinable lobby.
type ListLobbyResponse struct {
	Status
	Lobbies []Lobby `json:"lobbies,omitempty"`
}

// CreateLobbyRequest asks for a fresh lobby owned by the caller.
type CreateLobbyRequest struct {
	MaxPlayers int `json:"max_players,omitempty"`
}

type CreateLobbyResponse struct {
	Status
	Lobby *Lobby `json:"lobby,omitempty"`
}

type JoinLobbyRequest struct {
	LobbyID uint32 `json:"lobby_id"`
}

type JoinLobbyResponse struct {
	Status
	Lobby *Lobby `json:"lobby,omitempty"`
}

type QuitLobbyResponse struct {
	Status
}

type StartGameResponse struct {
	Status
}

// SetTileRequest plays the card at CardIndex onto board cell (X, Y).
type SetTileRequest struct {
	CardIndex int    `json:"card_index"`
	X         uint32 `json:"x"`
	Y         uint32 `json:"y"`
}

type SetTileResponse struct {
	Status
}

type HeartbeatResponse struct {
	Status
}

type DisconnectResponse struct {
	Status
}
