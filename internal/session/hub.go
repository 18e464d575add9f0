// Package session owns the websocket side of the server: one live
// connection per player identity, delivery of room messages, and the
// reconnect grace timers that feed the room manager.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hokm-live/hokmd/internal/game"
	"github.com/hokm-live/hokmd/internal/models"
)

var ErrAlreadyConnected = errors.New("identity already has a live session")

const writeTimeout = 5 * time.Second

// wire is the write half of a client connection. The websocket conn
// satisfies it through wsWire; tests substitute their own.
type wire interface {
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type wsWire struct{ c *websocket.Conn }

func (w wsWire) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsWire) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}

// Session binds one identity to one live connection and one room.
type Session struct {
	Identity models.PlayerIdentity
	RoomCode string

	mu sync.Mutex
	w  wire
}

func (s *Session) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(ctx, data)
}

// Hub tracks live sessions by player id. It enforces the single-session
// rule at attach time and translates a dropped connection into the
// manager's disconnect/grace-expiry sequence.
type Hub struct {
	manager *game.Manager
	grace   time.Duration
	log     *logrus.Entry

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	timers   map[uuid.UUID]*time.Timer
}

func NewHub(manager *game.Manager, grace time.Duration, log *logrus.Logger) *Hub {
	return &Hub{
		manager:  manager,
		grace:    grace,
		log:      log.WithField("component", "session"),
		sessions: make(map[uuid.UUID]*Session),
		timers:   make(map[uuid.UUID]*time.Timer),
	}
}

// Send is the manager's delivery callback. A player with no live
// session simply misses the message; reconnect replay covers the gap.
func (h *Hub) Send(roomCode string, playerID uuid.UUID, msg any) {
	h.mu.Lock()
	sess := h.sessions[playerID]
	h.mu.Unlock()
	if sess == nil || sess.RoomCode != roomCode {
		return
	}
	if err := sess.send(msg); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"room": roomCode, "player": playerID,
		}).Debug("send failed")
	}
}

// attach registers a new live session. If the identity already has one,
// the existing session stays and the new connection is rejected.
// Attaching cancels any pending grace timer for the identity.
func (h *Hub) attach(id models.PlayerIdentity, roomCode string, w wire) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[id.ID]; ok {
		return nil, ErrAlreadyConnected
	}
	if timer, ok := h.timers[id.ID]; ok {
		timer.Stop()
		delete(h.timers, id.ID)
	}

	sess := &Session{Identity: id, RoomCode: roomCode, w: w}
	h.sessions[id.ID] = sess
	h.log.WithFields(logrus.Fields{"room": roomCode, "player": id.ID}).Info("session attached")
	return sess, nil
}

// remove unregisters a session that never took a seat, so no
// disconnect or grace timer applies.
func (h *Hub) remove(sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[sess.Identity.ID] == sess {
		delete(h.sessions, sess.Identity.ID)
	}
}

// detach drops the session, marks the seat disconnected, and arms the
// grace timer. A stale detach (the session was already replaced) is a
// no-op so a slow-closing old connection cannot kill its successor.
func (h *Hub) detach(sess *Session) {
	playerID := sess.Identity.ID
	roomCode := sess.RoomCode

	h.mu.Lock()
	if h.sessions[playerID] != sess {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, playerID)
	h.timers[playerID] = time.AfterFunc(h.grace, func() {
		h.expireGrace(roomCode, playerID)
	})
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"room": roomCode, "player": playerID}).Info("session detached")

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := h.manager.Disconnected(ctx, roomCode, playerID); err != nil {
		h.log.WithError(err).WithField("room", roomCode).Warn("mark disconnect failed")
	}
}

func (h *Hub) expireGrace(roomCode string, playerID uuid.UUID) {
	h.mu.Lock()
	delete(h.timers, playerID)
	// Reconnected in the meantime: the manager treats the expiry as a
	// no-op anyway, but skip the round-trip when we know.
	if _, ok := h.sessions[playerID]; ok {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := h.manager.GraceExpired(ctx, roomCode, playerID); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"room": roomCode, "player": playerID,
		}).Warn("grace expiry failed")
	}
}

// LiveSessions reports the number of attached connections.
func (h *Hub) LiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
