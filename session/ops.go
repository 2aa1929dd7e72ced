package session

import (
	"context"
	"fmt"

	"tilelobby/message"
	"tilelobby/protocol"
	"tilelobby/state"
	"tilelobby/transport"
)

// call routes an RPC through the middleware chain. When the caller's
// context carries no deadline, the configured call timeout applies.
func (s *Session) call(ctx context.Context, op protocol.Opcode, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok && s.cfg.CallTimeout.Std() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout.Std())
		defer cancel()
	}
	return s.invoke(ctx, op, req, resp)
}

// rawInvoke is the innermost invoker: encode, one transport call, decode,
// and mapping of an unsuccessful reply to ErrFailed.
func (s *Session) rawInvoke(ctx context.Context, op protocol.Opcode, req, resp any) error {
	s.mu.Lock()
	lk := s.link
	closing := lk != nil && lk.closing
	s.mu.Unlock()
	if lk == nil || closing {
		return ErrNotConnected
	}
	return s.invokeOn(ctx, lk.conn, op, req, resp)
}

func (s *Session) invokeOn(ctx context.Context, conn *transport.Conn, op protocol.Opcode, req, resp any) error {
	var payload []byte
	if req != nil {
		var err error
		payload, err = s.cdc.Encode(req)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
	}
	data, err := conn.Call(ctx, op, payload, resp != nil)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := s.cdc.Decode(data, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	if r, ok := resp.(message.Reply); ok && !r.OK() {
		return fmt.Errorf("%s: %w", op, message.ErrFailed)
	}
	return nil
}

// ListLobbies fetches every currently joinable lobby.
func (s *Session) ListLobbies(ctx context.Context) ([]message.Lobby, error) {
	var resp message.ListLobbyResponse
	if err := s.call(ctx, protocol.OpListLobby, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lobbies, nil
}

// CreateLobby opens a new lobby with the caller as its first member.
func (s *Session) CreateLobby(ctx context.Context, maxPlayers int) (*message.Lobby, error) {
	req := message.CreateLobbyRequest{MaxPlayers: maxPlayers}
	var resp message.CreateLobbyResponse
	if err := s.call(ctx, protocol.OpCreateLobby, &req, &resp); err != nil {
		return nil, err
	}
	s.TransitionTo(state.NewLobby(s.cdc, resp.Lobby))
	return resp.Lobby, nil
}

// JoinLobby enters an existing lobby by ID.
func (s *Session) JoinLobby(ctx context.Context, id uint32) (*message.Lobby, error) {
	req := message.JoinLobbyRequest{LobbyID: id}
	var resp message.JoinLobbyResponse
	if err := s.call(ctx, protocol.OpJoinLobby, &req, &resp); err != nil {
		return nil, err
	}
	s.TransitionTo(state.NewLobby(s.cdc, resp.Lobby))
	return resp.Lobby, nil
}

// QuitLobby leaves the current lobby and returns to the lobby browser.
func (s *Session) QuitLobby(ctx context.Context) error {
	var resp message.QuitLobbyResponse
	if err := s.call(ctx, protocol.OpQuitLobby, nil, &resp); err != nil {
		return err
	}
	s.TransitionTo(state.NewLobby(s.cdc, nil))
	return nil
}

// StartGame asks the server to start the match for the current lobby. The
// response only acknowledges the request; every member, the caller
// included, moves into the game when the start broadcast arrives with the
// dealt cards.
func (s *Session) StartGame(ctx context.Context) error {
	var resp message.StartGameResponse
	return s.call(ctx, protocol.OpStartGame, nil, &resp)
}

// PlaceTile plays the card at cardIndex onto board cell (x, y). The server
// rejects it when it is not the caller's turn or the cell is taken; the
// resulting board change comes back as a broadcast.
func (s *Session) PlaceTile(ctx context.Context, cardIndex int, x, y uint32) error {
	req := message.SetTileRequest{CardIndex: cardIndex, X: x, Y: y}
	var resp message.SetTileResponse
	return s.call(ctx, protocol.OpSetTile, &req, &resp)
}
