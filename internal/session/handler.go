package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/hokm-live/hokmd/internal/auth"
	"github.com/hokm-live/hokmd/internal/breaker"
	"github.com/hokm-live/hokmd/internal/game"
	"github.com/hokm-live/hokmd/internal/models"
	"github.com/hokm-live/hokmd/internal/protocol"
	"github.com/hokm-live/hokmd/internal/store"
)

// Handler upgrades websocket connections and drives one read loop per
// client. Identity is established per connection (login, token, or
// guest join) before any room action is accepted.
type Handler struct {
	hub  *Hub
	auth *auth.Service
}

func NewHandler(hub *Hub, authSvc *auth.Service) *Handler {
	return &Handler{hub: hub, auth: authSvc}
}

// connState is the per-connection identity and session, owned by the
// read loop goroutine.
type connState struct {
	identity models.PlayerIdentity
	hasIdent bool
	sess     *Session
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.hub.log.WithError(err).Debug("websocket accept failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "connection reset")

	ctx := r.Context()
	state := &connState{}
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		h.dispatch(ctx, wsWire{c: c}, state, data)
	}

	if state.sess != nil {
		h.hub.detach(state.sess)
	}
	c.Close(websocket.StatusNormalClosure, "")
}

// dispatch handles one decoded client message. The switch is
// exhaustive over the closed client message set.
func (h *Handler) dispatch(ctx context.Context, w wire, state *connState, data []byte) {
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		h.reply(ctx, w, state, protocol.NewError(protocol.CodeBadRequest, err.Error()))
		return
	}

	switch m := msg.(type) {
	case *protocol.AuthLogin:
		h.handleAuthLogin(ctx, w, state, m)
	case *protocol.AuthToken:
		h.handleAuthToken(ctx, w, state, m)
	case *protocol.Join:
		h.handleJoin(ctx, w, state, m)
	case *protocol.Reconnect:
		h.handleReconnect(ctx, w, state, m)
	case *protocol.HokmSelected:
		h.handleHokm(ctx, w, state, m)
	case *protocol.PlayCard:
		h.handlePlayCard(ctx, w, state, m)
	case *protocol.ClearRoom:
		h.handleClearRoom(ctx, w, state, m)
	}
}

func (h *Handler) handleAuthLogin(ctx context.Context, w wire, state *connState, m *protocol.AuthLogin) {
	id, token, err := h.auth.Authenticate(ctx, m.Username, m.Password)
	if err != nil {
		h.reply(ctx, w, state, protocol.NewError(protocol.CodeAuthError, "login failed"))
		return
	}
	state.identity = id
	state.hasIdent = true
	h.reply(ctx, w, state, protocol.NewAuthSuccess(id.ID, id.Username, token))
}

func (h *Handler) handleAuthToken(ctx context.Context, w wire, state *connState, m *protocol.AuthToken) {
	id, err := h.auth.VerifyToken(m.Token)
	if err != nil {
		h.reply(ctx, w, state, protocol.NewError(protocol.CodeAuthError, "invalid token"))
		return
	}
	state.identity = id
	state.hasIdent = true
	h.reply(ctx, w, state, protocol.NewAuthSuccess(id.ID, id.Username, ""))
}

func (h *Handler) handleJoin(ctx context.Context, w wire, state *connState, m *protocol.Join) {
	if m.RoomCode == "" {
		h.reply(ctx, w, state, protocol.NewError(protocol.CodeBadRequest, "room_code is required"))
		return
	}
	if state.sess != nil {
		h.reply(ctx, w, state, protocol.NewError(protocol.CodeBadRequest, "already in a room"))
		return
	}
	if !state.hasIdent {
		id, err := h.auth.Guest(m.Username)
		if err != nil {
			h.reply(ctx, w, state, protocol.NewError(protocol.CodeBadRequest, "username is required"))
			return
		}
		state.identity = id
		state.hasIdent = true
	}

	sess, err := h.hub.attach(state.identity, m.RoomCode, w)
	if err != nil {
		h.reply(ctx, w, state, protocol.NewError(protocol.CodeAlreadyConnected,
			"this identity already has a live connection"))
		return
	}

	rejoined, err := h.hub.manager.Join(ctx, m.RoomCode, state.identity)
	if err != nil {
		h.hub.remove(sess)
		h.reply(ctx, w, state, errorReply(err))
		return
	}
	state.sess = sess
	h.reply(ctx, w, state, protocol.NewJoinSuccess(state.identity.ID, state.identity.Username, rejoined))
}

func (h *Handler) handleReconnect(ctx context.Context, w wire, state *connState, m *protocol.Reconnect) {
	if state.sess != nil {
		h.reply(ctx, w, state, protocol.NewError(protocol.CodeBadRequest, "already in a room"))
		return
	}

	identity := state.identity
	if !state.hasIdent {
		// Guest resume: the player id names the seat, the snapshot
		// restores the username.
		snap, err := h.hub.manager.Snapshot(ctx, m.RoomCode)
		if err != nil {
			h.reply(ctx, w, state, errorReply(err))
			return
		}
		seat := snap.SeatOf(m.PlayerID)
		if seat < 0 {
			h.reply(ctx, w, state, protocol.NewError(protocol.CodePlayerNotFound,
				"no seat for that player in this room"))
			return
		}
		identity = models.PlayerIdentity{ID: m.PlayerID, Username: snap.Seats[seat].Username}
	}

	sess, err := h.hub.attach(identity, m.RoomCode, w)
	if err != nil {
		h.reply(ctx, w, state, protocol.NewError(protocol.CodeAlreadyConnected,
			"this identity already has a live connection"))
		return
	}

	if err := h.hub.manager.Reconnect(ctx, m.RoomCode, identity.ID); err != nil {
		h.hub.remove(sess)
		h.reply(ctx, w, state, errorReply(err))
		return
	}
	// reconnect_success with the replay state arrives through the hub's
	// delivery path once the transition commits.
	state.identity = identity
	state.hasIdent = true
	state.sess = sess
}

func (h *Handler) handleHokm(ctx context.Context, w wire, state *connState, m *protocol.HokmSelected) {
	sess, ok := h.requireRoom(ctx, w, state, m.RoomCode)
	if !ok {
		return
	}
	if err := h.hub.manager.SelectHokm(ctx, sess.RoomCode, sess.Identity.ID, m.Suit); err != nil {
		h.reply(ctx, w, state, errorReply(err))
	}
}

func (h *Handler) handlePlayCard(ctx context.Context, w wire, state *connState, m *protocol.PlayCard) {
	sess, ok := h.requireRoom(ctx, w, state, m.RoomCode)
	if !ok {
		return
	}
	if m.PlayerID != sess.Identity.ID {
		h.reply(ctx, w, state, protocol.NewError(protocol.CodeNotAuthorized,
			"cannot play for another player"))
		return
	}
	if err := h.hub.manager.PlayCard(ctx, sess.RoomCode, sess.Identity.ID, m.Card); err != nil {
		h.reply(ctx, w, state, errorReply(err))
	}
}

func (h *Handler) handleClearRoom(ctx context.Context, w wire, state *connState, m *protocol.ClearRoom) {
	sess, ok := h.requireRoom(ctx, w, state, m.RoomCode)
	if !ok {
		return
	}
	if err := h.hub.manager.ClearRoom(ctx, sess.RoomCode); err != nil {
		h.reply(ctx, w, state, errorReply(err))
	}
}

// requireRoom checks the connection is attached to the room it is
// acting on.
func (h *Handler) requireRoom(ctx context.Context, w wire, state *connState, roomCode string) (*Session, bool) {
	if state.sess == nil {
		h.reply(ctx, w, state, protocol.NewError(protocol.CodeNotAuthorized, "join a room first"))
		return nil, false
	}
	if roomCode != "" && roomCode != state.sess.RoomCode {
		h.reply(ctx, w, state, protocol.NewError(protocol.CodeBadRequest, "room_code does not match your room"))
		return nil, false
	}
	return state.sess, true
}

// reply writes to the connection, through the session's write lock once
// one exists so replies never interleave with room broadcasts.
func (h *Handler) reply(ctx context.Context, w wire, state *connState, msg any) {
	if state.sess != nil {
		if err := state.sess.send(msg); err != nil {
			h.hub.log.WithError(err).Debug("reply failed")
		}
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := w.Write(ctx, data); err != nil {
		h.hub.log.WithError(err).Debug("reply failed")
	}
}

// errorReply maps an operation error onto the wire taxonomy.
func errorReply(err error) protocol.ErrorMessage {
	code := protocol.CodeBadRequest
	switch {
	case errors.Is(err, game.ErrOutOfTurn):
		code = protocol.CodeOutOfTurn
	case errors.Is(err, game.ErrCardNotHeld):
		code = protocol.CodeCardNotHeld
	case errors.Is(err, game.ErrMustFollowSuit):
		code = protocol.CodeMustFollowSuit
	case errors.Is(err, game.ErrNotAuthorized):
		code = protocol.CodeNotAuthorized
	case errors.Is(err, game.ErrPlayerNotFound):
		code = protocol.CodePlayerNotFound
	case errors.Is(err, game.ErrRoomFull):
		code = protocol.CodeRoomFull
	case errors.Is(err, game.ErrRoomClosed):
		code = protocol.CodeRoomNotFound
	case errors.Is(err, game.ErrNotOwner):
		code = protocol.CodeNotOwner
	case errors.Is(err, store.ErrNotFound):
		code = protocol.CodeRoomNotFound
	case errors.Is(err, breaker.ErrOpen):
		code = protocol.CodeCircuitOpen
	case errors.Is(err, store.ErrUnavailable):
		code = protocol.CodeStoreUnavailable
	}
	return protocol.NewError(code, err.Error())
}
