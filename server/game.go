package server

import (
	"math/rand"
	"sync"

	"tilelobby/logx"
	"tilelobby/message"
	"tilelobby/protocol"
)

const handSize = 5

var symbols = []string{"A", "B", "C", "D", "E", "F", "G", "H"}

// hub holds every lobby and connected player. One mutex guards it all; the
// game is turn-based, contention is not a concern.
type hub struct {
	mu sync.Mutex

	maxPlayersDefault int
	nextPlayerID      uint32
	nextLobbyID       uint32
	names             map[string]bool
	lobbies           map[uint32]*lobbyRoom
}

// lobbyRoom is one lobby and, once started, its running game.
type lobbyRoom struct {
	id         uint32
	maxPlayers int
	members    []*clientConn

	started bool
	board   *message.Board
	hands   map[uint32][]message.Card
	turn    int // index into members
}

func newHub(maxPlayersDefault int) *hub {
	return &hub{
		maxPlayersDefault: maxPlayersDefault,
		names:             make(map[string]bool),
		lobbies:           make(map[uint32]*lobbyRoom),
	}
}

func broadcast(conns []*clientConn, v any) {
	for _, c := range conns {
		c.push(v)
	}
}

func fail() message.Status    { return message.Status{Success: false} }
func succeed() message.Status { return message.Status{Success: true} }

// handle dispatches one request. Every operation answers with a response
// whose Success flag reports acceptance; rule violations are rejections,
// not errors.
func (h *hub) handle(c *clientConn, op protocol.Opcode, payload []byte) any {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch op {
	case protocol.OpConnect:
		return h.connect(c, payload)
	case protocol.OpListLobby:
		return h.listLobbies(c)
	case protocol.OpCreateLobby:
		return h.createLobby(c, payload)
	case protocol.OpJoinLobby:
		return h.joinLobby(c, payload)
	case protocol.OpQuitLobby:
		return h.quitLobby(c)
	case protocol.OpStartGame:
		return h.startGame(c)
	case protocol.OpSetTile:
		return h.setTile(c, payload)
	case protocol.OpHeartbeat:
		if c.player == nil {
			return message.HeartbeatResponse{Status: fail()}
		}
		return message.HeartbeatResponse{Status: succeed()}
	case protocol.OpDisconnect:
		h.dropLocked(c)
		return message.DisconnectResponse{Status: succeed()}
	default:
		logx.Log.Warn().Stringer("op", op).Msg("unknown operation")
		return fail()
	}
}

func (h *hub) connect(c *clientConn, payload []byte) message.ConnectResponse {
	var req message.ConnectRequest
	if err := c.cdc.Decode(payload, &req); err != nil || req.Name == "" {
		return message.ConnectResponse{Status: fail()}
	}
	if c.player != nil || h.names[req.Name] {
		return message.ConnectResponse{Status: fail()}
	}
	h.nextPlayerID++
	c.player = &message.Player{ID: h.nextPlayerID, Name: req.Name}
	h.names[req.Name] = true
	logx.Log.Info().Str("player", req.Name).Uint32("id", c.player.ID).Msg("player connected")
	return message.ConnectResponse{Status: succeed()}
}

func (h *hub) listLobbies(c *clientConn) message.ListLobbyResponse {
	if c.player == nil {
		return message.ListLobbyResponse{Status: fail()}
	}
	lobbies := make([]message.Lobby, 0, len(h.lobbies))
	for _, room := range h.lobbies {
		if !room.started {
			lobbies = append(lobbies, room.snapshot())
		}
	}
	return message.ListLobbyResponse{Status: succeed(), Lobbies: lobbies}
}

func (h *hub) createLobby(c *clientConn, payload []byte) message.CreateLobbyResponse {
	if c.player == nil || c.room != nil {
		return message.CreateLobbyResponse{Status: fail()}
	}
	var req message.CreateLobbyRequest
	if err := c.cdc.Decode(payload, &req); err != nil {
		return message.CreateLobbyResponse{Status: fail()}
	}
	max := req.MaxPlayers
	if max <= 0 {
		max = h.maxPlayersDefault
	}
	h.nextLobbyID++
	room := &lobbyRoom{
		id:         h.nextLobbyID,
		maxPlayers: max,
		members:    []*clientConn{c},
	}
	h.lobbies[room.id] = room
	c.room = room
	snap := room.snapshot()
	return message.CreateLobbyResponse{Status: succeed(), Lobby: &snap}
}

func (h *hub) joinLobby(c *clientConn, payload []byte) message.JoinLobbyResponse {
	if c.player == nil || c.room != nil {
		return message.JoinLobbyResponse{Status: fail()}
	}
	var req message.JoinLobbyRequest
	if err := c.cdc.Decode(payload, &req); err != nil {
		return message.JoinLobbyResponse{Status: fail()}
	}
	room, ok := h.lobbies[req.LobbyID]
	if !ok || room.started || len(room.members) >= room.maxPlayers {
		return message.JoinLobbyResponse{Status: fail()}
	}
	others := append([]*clientConn(nil), room.members...)
	room.members = append(room.members, c)
	c.room = room
	snap := room.snapshot()
	broadcast(others, &message.LobbyEvent{Event: message.LobbyJoin, Lobby: &snap})
	return message.JoinLobbyResponse{Status: succeed(), Lobby: &snap}
}

func (h *hub) quitLobby(c *clientConn) message.QuitLobbyResponse {
	if c.player == nil || c.room == nil {
		return message.QuitLobbyResponse{Status: fail()}
	}
	h.leaveRoomLocked(c)
	return message.QuitLobbyResponse{Status: succeed()}
}

func (h *hub) startGame(c *clientConn) message.StartGameResponse {
	room := c.room
	if c.player == nil || room == nil || room.started {
		return message.StartGameResponse{Status: fail()}
	}
	room.started = true
	room.board = &message.Board{}
	room.hands = make(map[uint32][]message.Card, len(room.members))
	room.turn = 0

	current := room.members[0].player
	next := room.members[1%len(room.members)].player
	// Hands are private: each member gets the start event with their own
	// cards.
	for _, m := range room.members {
		hand := dealHand()
		room.hands[m.player.ID] = hand
		ev := &message.LobbyEvent{
			Event:         message.LobbyStart,
			Cards:         hand,
			CurrentPlayer: current,
			NextPlayer:    next,
		}
		if m == c {
			c.pending = append(c.pending, ev)
		} else {
			m.push(ev)
		}
	}
	return message.StartGameResponse{Status: succeed()}
}

func (h *hub) setTile(c *clientConn, payload []byte) message.SetTileResponse {
	room := c.room
	if c.player == nil || room == nil || !room.started {
		return message.SetTileResponse{Status: fail()}
	}
	if room.members[room.turn] != c {
		return message.SetTileResponse{Status: fail()}
	}
	var req message.SetTileRequest
	if err := c.cdc.Decode(payload, &req); err != nil {
		return message.SetTileResponse{Status: fail()}
	}
	hand := room.hands[c.player.ID]
	if req.CardIndex < 0 || req.CardIndex >= len(hand) {
		return message.SetTileResponse{Status: fail()}
	}
	if req.X >= message.BoardSize || req.Y >= message.BoardSize {
		return message.SetTileResponse{Status: fail()}
	}
	if room.board.Tiles[req.X][req.Y].Symbol != "" {
		return message.SetTileResponse{Status: fail()}
	}

	card := hand[req.CardIndex]
	room.board.Tiles[req.X][req.Y] = message.Tile{Symbol: card.Symbol, Owner: c.player.ID}
	hand[req.CardIndex] = drawCard()
	room.turn = (room.turn + 1) % len(room.members)

	current := room.members[room.turn].player
	next := room.members[(room.turn+1)%len(room.members)].player
	placed := &message.GameEvent{
		Event:         message.GamePlaceTile,
		Board:         room.board,
		CurrentPlayer: current,
		NextPlayer:    next,
	}
	for _, m := range room.members {
		if m == c {
			c.pending = append(c.pending, placed)
		} else {
			m.push(placed)
		}
	}
	// The replacement card goes only to the player who spent one.
	c.pending = append(c.pending, &message.GameEvent{Event: message.GameShuffle, Cards: hand})
	return message.SetTileResponse{Status: succeed()}
}

// drop releases everything a vanished connection held.
func (h *hub) drop(c *clientConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *hub) dropLocked(c *clientConn) {
	if c.player == nil {
		return
	}
	if c.room != nil {
		h.leaveRoomLocked(c)
	}
	delete(h.names, c.player.Name)
	c.player = nil
}

// leaveRoomLocked removes c from its room and tells the remaining members,
// with the event family matching the room's phase. An emptied room is
// destroyed.
func (h *hub) leaveRoomLocked(c *clientConn) {
	room := c.room
	c.room = nil
	for i, m := range room.members {
		if m == c {
			if room.started && i < room.turn {
				room.turn--
			}
			room.members = append(room.members[:i], room.members[i+1:]...)
			break
		}
	}
	if len(room.members) == 0 {
		delete(h.lobbies, room.id)
		return
	}
	if room.started {
		room.turn %= len(room.members)
		delete(room.hands, c.player.ID)
		current := room.members[room.turn].player
		broadcast(room.members, &message.GameEvent{
			Event:         message.GameLeave,
			Players:       room.players(),
			CurrentPlayer: current,
		})
		return
	}
	snap := room.snapshot()
	broadcast(room.members, &message.LobbyEvent{Event: message.LobbyLeave, Lobby: &snap})
}

func (r *lobbyRoom) snapshot() message.Lobby {
	return message.Lobby{
		ID:         r.id,
		Players:    r.players(),
		MaxPlayers: r.maxPlayers,
	}
}

func (r *lobbyRoom) players() []message.Player {
	players := make([]message.Player, len(r.members))
	for i, m := range r.members {
		players[i] = *m.player
	}
	return players
}

func dealHand() []message.Card {
	hand := make([]message.Card, handSize)
	for i := range hand {
		hand[i] = drawCard()
	}
	return hand
}

func drawCard() message.Card {
	return message.Card{Symbol: symbols[rand.Intn(len(symbols))]}
}
