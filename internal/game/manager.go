package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hokm-live/hokmd/internal/breaker"
	"github.com/hokm-live/hokmd/internal/models"
	"github.com/hokm-live/hokmd/internal/protocol"
	"github.com/hokm-live/hokmd/internal/store"
)

// errNoChange signals that a transition decided nothing needs to be
// committed or delivered. It never escapes the manager.
var errNoChange = errors.New("no state change")

// SendFunc delivers one message to a player's live connection, if any.
// The session hub provides it; delivery to a disconnected player is a
// silent no-op.
type SendFunc func(roomCode string, playerID uuid.UUID, msg any)

// Options fixes the manager's per-instance parameters.
type Options struct {
	InstanceID string
	HandsToWin int
	LeaseTTL   time.Duration
	// LeaseRenewFrac is the fraction of LeaseTTL between renewals.
	// Zero means half the TTL.
	LeaseRenewFrac float64
}

// Manager drives every room mutation on this instance. All mutating
// operations are serialized per room (never globally), read the latest
// snapshot through the circuit breaker, apply a pure transition to a
// clone, and commit with an optimistic version check. The manager's own
// memory is never authoritative: a racing write loses at the store and
// is retried against a fresh read.
type Manager struct {
	store store.Store
	guard *breaker.Breaker
	opts  Options
	log   *logrus.Entry

	sendMu sync.RWMutex
	send   SendFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	owned map[string]struct{}

	// seedFn supplies deal seeds; swapped in tests for determinism.
	seedFn func() int64
}

// NewManager wires the manager to its store and fault guard.
func NewManager(st store.Store, guard *breaker.Breaker, opts Options, log *logrus.Logger) *Manager {
	guard.ClassifyFailures(func(err error) bool {
		return errors.Is(err, store.ErrUnavailable)
	})
	return &Manager{
		store:  st,
		guard:  guard,
		opts:   opts,
		log:    log.WithField("component", "game"),
		locks:  make(map[string]*sync.Mutex),
		owned:  make(map[string]struct{}),
		seedFn: func() int64 { return time.Now().UnixNano() },
	}
}

// SetSendFunc installs the delivery callback. Must be called before any
// mutation runs.
func (m *Manager) SetSendFunc(fn SendFunc) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	m.send = fn
}

// Join seats the identity in the room, creating the room on first join.
// Rejoining with an already-seated identity is an idempotent success and
// reports rejoined=true.
func (m *Manager) Join(ctx context.Context, code string, id models.PlayerIdentity) (bool, error) {
	var rejoined bool
	err := m.mutate(ctx, code, "join", id.ID, true, func(s *models.RoomSnapshot) ([]Outgoing, error) {
		out, again, err := applyJoin(s, id, m.seedFn())
		rejoined = again
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	return rejoined, err
}

// SelectHokm applies the hakem's trump choice.
func (m *Manager) SelectHokm(ctx context.Context, code string, playerID uuid.UUID, suit models.Suit) error {
	return m.mutate(ctx, code, "hokm_selected", playerID, false, func(s *models.RoomSnapshot) ([]Outgoing, error) {
		return applySelectHokm(s, playerID, suit)
	})
}

// PlayCard applies one card play.
func (m *Manager) PlayCard(ctx context.Context, code string, playerID uuid.UUID, card models.Card) error {
	return m.mutate(ctx, code, "play_card", playerID, false, func(s *models.RoomSnapshot) ([]Outgoing, error) {
		return applyPlayCard(s, playerID, card, m.seedFn())
	})
}

// Disconnected marks the player's seat vacant-pending-reconnect. The
// session layer owns the grace timer and calls GraceExpired on lapse.
func (m *Manager) Disconnected(ctx context.Context, code string, playerID uuid.UUID) error {
	return m.mutate(ctx, code, "player_disconnected", playerID, false, func(s *models.RoomSnapshot) ([]Outgoing, error) {
		return applyDisconnect(s, playerID)
	})
}

// Reconnect re-binds the identity's seat and replays resume state.
func (m *Manager) Reconnect(ctx context.Context, code string, playerID uuid.UUID) error {
	return m.mutate(ctx, code, "player_reconnected", playerID, false, func(s *models.RoomSnapshot) ([]Outgoing, error) {
		return applyReconnect(s, playerID)
	})
}

// GraceExpired cancels the room after a grace window lapsed without the
// player returning.
func (m *Manager) GraceExpired(ctx context.Context, code string, playerID uuid.UUID) error {
	return m.mutate(ctx, code, "grace_expired", playerID, false, func(s *models.RoomSnapshot) ([]Outgoing, error) {
		return applyGraceExpired(s, playerID)
	})
}

// Snapshot returns the latest committed state of a room.
func (m *Manager) Snapshot(ctx context.Context, code string) (*models.RoomSnapshot, error) {
	return m.load(ctx, code)
}

// ClearRoom tears a room down explicitly, notifying seated players.
func (m *Manager) ClearRoom(ctx context.Context, code string) error {
	lock := m.roomLock(code)
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.load(ctx, code)
	if err != nil {
		return err
	}
	m.deliver(snap, []Outgoing{toRoom(protocol.NewGameCancelled("room cleared"))})

	if err := m.guard.Do(ctx, func(ctx context.Context) error {
		return m.store.Delete(ctx, code)
	}); err != nil {
		return err
	}
	if err := m.guard.Do(ctx, func(ctx context.Context) error {
		return m.store.ReleaseLease(ctx, code, m.opts.InstanceID)
	}); err != nil {
		m.log.WithError(err).WithField("room", code).Warn("release lease failed")
	}

	m.mu.Lock()
	delete(m.owned, code)
	m.mu.Unlock()
	return nil
}

// AdoptRoom takes ownership of a room after a failover. The lease must
// already be free or expired; the failover controller guarantees that.
func (m *Manager) AdoptRoom(ctx context.Context, code string) error {
	lock := m.roomLock(code)
	lock.Lock()
	defer lock.Unlock()

	if err := m.guard.Do(ctx, func(ctx context.Context) error {
		return m.store.AcquireLease(ctx, code, m.opts.InstanceID, m.opts.LeaseTTL)
	}); err != nil {
		return err
	}
	snap, err := m.load(ctx, code)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.owned[code] = struct{}{}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"room": code, "version": snap.Version}).Info("adopted room")
	// Best effort: anyone still reachable learns where the room went;
	// everyone else finds it through reconnect retries.
	m.deliver(snap, []Outgoing{toRoom(protocol.NewInfo(
		fmt.Sprintf("room migrated to instance %s, please reconnect", m.opts.InstanceID)))})
	return nil
}

// OwnedRooms lists rooms whose lease this instance currently holds.
func (m *Manager) OwnedRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.owned))
	for code := range m.owned {
		rooms = append(rooms, code)
	}
	return rooms
}

// Run renews leases and heartbeats until the context ends. Losing a
// lease renewal drops local ownership rather than fighting the new
// holder.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.renewInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.guard.Do(ctx, func(ctx context.Context) error {
				return m.store.Heartbeat(ctx, m.opts.InstanceID, m.opts.LeaseTTL)
			}); err != nil {
				m.log.WithError(err).Warn("heartbeat failed")
			}
			for _, code := range m.OwnedRooms() {
				if err := m.guard.Do(ctx, func(ctx context.Context) error {
					return m.store.RenewLease(ctx, code, m.opts.InstanceID, m.opts.LeaseTTL)
				}); err != nil {
					m.log.WithError(err).WithField("room", code).Warn("lost room lease")
					m.mu.Lock()
					delete(m.owned, code)
					m.mu.Unlock()
				}
			}
		}
	}
}

// renewInterval spaces lease renewals so a lease is refreshed well
// before it can lapse.
func (m *Manager) renewInterval() time.Duration {
	frac := m.opts.LeaseRenewFrac
	if frac <= 0 || frac >= 1 {
		frac = 0.5
	}
	interval := time.Duration(float64(m.opts.LeaseTTL) * frac)
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// mutate is the single commit path for room state. It serializes on the
// per-room lock, applies the transition to a clone, and writes version
// current+1. A StaleWrite means another writer (possibly on another
// instance during a failover window) got there first: re-read and retry
// exactly once, so each logical event commits at most one mutation.
func (m *Manager) mutate(ctx context.Context, code, event string, actor uuid.UUID, createIfMissing bool,
	apply func(*models.RoomSnapshot) ([]Outgoing, error)) error {

	lock := m.roomLock(code)
	lock.Lock()
	defer lock.Unlock()

	if err := m.ensureLease(ctx, code); err != nil {
		return err
	}

	snap, err := m.load(ctx, code)
	if errors.Is(err, store.ErrNotFound) && createIfMissing {
		snap = m.newRoom(code)
	} else if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		work := snap.Clone()
		out, err := apply(work)
		if errors.Is(err, errNoChange) {
			return nil
		}
		if err != nil {
			return err
		}
		work.Version = snap.Version + 1
		work.UpdatedAt = time.Now().UTC()

		err = m.guard.Do(ctx, func(ctx context.Context) error {
			return m.store.Put(ctx, code, work.Version, work)
		})
		switch {
		case err == nil:
			m.publishAction(work, event, actor)
			m.deliver(work, out)
			return nil
		case errors.Is(err, store.ErrStaleWrite) && attempt == 0:
			snap, err = m.load(ctx, code)
			if errors.Is(err, store.ErrNotFound) && createIfMissing {
				snap = m.newRoom(code)
			} else if err != nil {
				return m.degraded(snap, code, err)
			}
		case errors.Is(err, store.ErrStaleWrite):
			// Retried once already; surface as unavailability.
			return m.degraded(snap, code, fmt.Errorf("%w: persistent write contention on room %s", store.ErrUnavailable, code))
		default:
			return m.degraded(snap, code, err)
		}
	}
}

// degraded reports a store-level failure to every seat still reachable
// before handing the error back. Store errors must never be silent.
func (m *Manager) degraded(snap *models.RoomSnapshot, code string, err error) error {
	m.log.WithError(err).WithField("room", code).Error("store access failed")
	if snap == nil {
		return err
	}
	code4client := protocol.CodeStoreUnavailable
	if errors.Is(err, breaker.ErrOpen) {
		code4client = protocol.CodeCircuitOpen
	}
	m.deliver(snap, []Outgoing{toRoom(protocol.NewError(code4client,
		"room state is temporarily unavailable, your action was not applied"))})
	return err
}

func (m *Manager) newRoom(code string) *models.RoomSnapshot {
	now := time.Now().UTC()
	return &models.RoomSnapshot{
		Code:       code,
		Version:    0,
		Phase:      models.PhaseWaitingForPlayers,
		HandsToWin: m.opts.HandsToWin,
		HakemSeat:  0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (m *Manager) roomLock(code string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[code]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[code] = lock
	}
	return lock
}

// ensureLease claims the room for this instance on first touch. A held
// lease belonging to a live peer rejects the mutation; the client is
// expected to redirect to the owner.
func (m *Manager) ensureLease(ctx context.Context, code string) error {
	m.mu.Lock()
	_, ok := m.owned[code]
	m.mu.Unlock()
	if ok {
		return nil
	}

	err := m.guard.Do(ctx, func(ctx context.Context) error {
		return m.store.AcquireLease(ctx, code, m.opts.InstanceID, m.opts.LeaseTTL)
	})
	if errors.Is(err, store.ErrLeaseHeld) {
		return ErrNotOwner
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.owned[code] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Manager) load(ctx context.Context, code string) (*models.RoomSnapshot, error) {
	var snap *models.RoomSnapshot
	err := m.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		snap, err = m.store.Get(ctx, code)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (m *Manager) deliver(s *models.RoomSnapshot, out []Outgoing) {
	m.sendMu.RLock()
	send := m.send
	m.sendMu.RUnlock()
	if send == nil {
		return
	}
	for _, o := range out {
		if o.Seat == BroadcastSeat {
			for _, seat := range s.Seats {
				if seat.Occupied {
					send(s.Code, seat.PlayerID, o.Msg)
				}
			}
			continue
		}
		if seat := s.Seats[o.Seat]; seat.Occupied {
			send(s.Code, seat.PlayerID, o.Msg)
		}
	}
}

// publishAction records the committed transition on the action log.
// Best effort, asynchronous, never blocks the commit path.
func (m *Manager) publishAction(s *models.RoomSnapshot, event string, actor uuid.UUID) {
	rec := store.ActionRecord{
		RoomCode:  s.Code,
		Version:   s.Version,
		Event:     event,
		ActorID:   actor,
		Payload:   map[string]any{"phase": string(s.Phase)},
		Timestamp: time.Now().UnixMilli(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.store.PublishAction(ctx, rec); err != nil {
			m.log.WithError(err).WithField("room", rec.RoomCode).Warn("action publish failed")
		}
	}()
}
