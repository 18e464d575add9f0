package game

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hokm-live/hokmd/internal/breaker"
	"github.com/hokm-live/hokmd/internal/models"
	"github.com/hokm-live/hokmd/internal/protocol"
	"github.com/hokm-live/hokmd/internal/store"
)

type sentMsg struct {
	room     string
	playerID uuid.UUID
	msg      any
}

type capture struct {
	mu   sync.Mutex
	msgs []sentMsg
}

func (c *capture) send(room string, playerID uuid.UUID, msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, sentMsg{room: room, playerID: playerID, msg: msg})
}

func (c *capture) all() []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentMsg, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func msgsFor[T any](c *capture, playerID uuid.UUID) []T {
	var out []T
	for _, s := range c.all() {
		if s.playerID != playerID {
			continue
		}
		if m, ok := s.msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestManagerWithStore(t *testing.T, st store.Store, instanceID string) (*Manager, *capture) {
	t.Helper()
	m := NewManager(st, breaker.New(5, time.Second), Options{
		InstanceID: instanceID,
		HandsToWin: 7,
		LeaseTTL:   time.Minute,
	}, quietLogger())

	var seed int64
	m.seedFn = func() int64 { seed++; return seed }

	c := &capture{}
	m.SetSendFunc(c.send)
	return m, c
}

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *capture) {
	t.Helper()
	st := store.NewMemoryStore()
	m, c := newTestManagerWithStore(t, st, "primary")
	return m, st, c
}

func fourPlayers() [4]models.PlayerIdentity {
	var ids [4]models.PlayerIdentity
	for i := range ids {
		ids[i] = models.PlayerIdentity{ID: uuid.New(), Username: fmt.Sprintf("player%d", i)}
	}
	return ids
}

func fillRoom(t *testing.T, m *Manager, code string, ids [4]models.PlayerIdentity) {
	t.Helper()
	for _, id := range ids {
		rejoined, err := m.Join(context.Background(), code, id)
		require.NoError(t, err)
		require.False(t, rejoined)
	}
}

// craftGameplay writes a hand-built mid-game snapshot straight to the
// store so tests can exercise exact trick positions.
func craftGameplay(t *testing.T, st store.Store, code string, ids [4]models.PlayerIdentity) *models.RoomSnapshot {
	t.Helper()
	s := &models.RoomSnapshot{
		Code:       code,
		Phase:      models.PhaseGameplay,
		HandsToWin: 7,
		HandNumber: 1,
		HakemSeat:  0,
		Hokm:       models.SuitSpades,
		Trick:      models.Trick{LeaderSeat: 0},
	}
	for i, id := range ids {
		s.Seats[i] = models.SeatState{PlayerID: id.ID, Username: id.Username, Occupied: true}
	}
	require.NoError(t, st.Put(context.Background(), code, 1, s))
	s.Version = 1
	return s
}

func TestFourJoinsDealExactlyOnce(t *testing.T) {
	ctx := context.Background()
	m, st, c := newTestManager(t)
	ids := fourPlayers()

	fillRoom(t, m, "9999", ids)

	snap, err := m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, models.PhaseHokmSelection, snap.Phase)
	require.Equal(t, 4, snap.OccupiedSeats())
	require.Equal(t, 0, snap.HakemSeat)
	require.Equal(t, 1, snap.HandNumber)

	// 13 cards per seat, 52 distinct cards overall.
	seen := make(map[models.Card]bool)
	for seat := 0; seat < models.NumSeats; seat++ {
		require.Len(t, snap.Hands[seat], 13)
		for _, card := range snap.Hands[seat] {
			require.False(t, seen[card], "card %s dealt twice", card)
			seen[card] = true
		}
	}
	require.Len(t, seen, 52)

	// Exactly one initial_deal per seat, hakem flag only on seat 0.
	for i, id := range ids {
		deals := msgsFor[protocol.InitialDeal](c, id.ID)
		require.Len(t, deals, 1, "seat %d", i)
		require.Len(t, deals[0].Hand, 13)
		require.Equal(t, i == 0, deals[0].IsHakem)
	}

	// Teams follow seat parity.
	assignments := msgsFor[protocol.TeamAssignment](c, ids[0].ID)
	require.Len(t, assignments, 1)
	require.ElementsMatch(t, []string{"player0", "player2"}, assignments[0].Teams[0])
	require.ElementsMatch(t, []string{"player1", "player3"}, assignments[0].Teams[1])

	_, err = st.Get(ctx, "9999")
	require.NoError(t, err)
}

func TestRejoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, st, c := newTestManager(t)
	ids := fourPlayers()

	for _, id := range ids[:3] {
		_, err := m.Join(ctx, "9999", id)
		require.NoError(t, err)
	}

	before, err := st.Get(ctx, "9999")
	require.NoError(t, err)

	// Rejoining before the room fills reclaims the seat: no new seat,
	// no version bump, no deal.
	rejoined, err := m.Join(ctx, "9999", ids[0])
	require.NoError(t, err)
	require.True(t, rejoined)

	after, err := st.Get(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, 3, after.OccupiedSeats())

	_, err = m.Join(ctx, "9999", ids[3])
	require.NoError(t, err)

	// Rejoining after the deal must not trigger a second one.
	rejoined, err = m.Join(ctx, "9999", ids[1])
	require.NoError(t, err)
	require.True(t, rejoined)
	require.Len(t, msgsFor[protocol.InitialDeal](c, ids[1].ID), 1)
}

func TestFifthJoinRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)

	_, err := m.Join(context.Background(), "9999", models.PlayerIdentity{ID: uuid.New(), Username: "latecomer"})
	require.ErrorIs(t, err, ErrRoomFull)
}

func TestHokmSelectionRestrictedToHakem(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)

	before, err := st.Get(ctx, "9999")
	require.NoError(t, err)

	// Every non-hakem attempt is rejected without touching state.
	for _, id := range ids[1:] {
		err := m.SelectHokm(ctx, "9999", id.ID, models.SuitHearts)
		require.ErrorIs(t, err, ErrNotAuthorized)
	}
	after, err := st.Get(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)

	require.NoError(t, m.SelectHokm(ctx, "9999", ids[0].ID, models.SuitHearts))

	snap, err := m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, models.PhaseGameplay, snap.Phase)
	require.Equal(t, models.SuitHearts, snap.Hokm)
	require.Equal(t, snap.HakemSeat, snap.Trick.LeaderSeat)

	// Selecting twice is rejected: the phase has moved on.
	require.ErrorIs(t, m.SelectHokm(ctx, "9999", ids[0].ID, models.SuitSpades), ErrNotAuthorized)
}

func TestPlayCardValidation(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	ids := fourPlayers()
	s := craftGameplay(t, st, "3001", ids)
	s.Hands[0] = []models.Card{card("9", models.SuitHearts), card("2", models.SuitClubs)}
	s.Hands[1] = []models.Card{card("2", models.SuitHearts), card("A", models.SuitSpades), card("K", models.SuitClubs)}
	s.Hands[2] = []models.Card{card("5", models.SuitDiamonds)}
	s.Hands[3] = []models.Card{card("6", models.SuitDiamonds)}
	require.NoError(t, st.Put(ctx, "3001", 2, s))

	// Not seated at all.
	err := m.PlayCard(ctx, "3001", uuid.New(), card("9", models.SuitHearts))
	require.ErrorIs(t, err, ErrPlayerNotFound)

	// Seat 1 cannot open the trick: seat 0 leads.
	err = m.PlayCard(ctx, "3001", ids[1].ID, card("2", models.SuitHearts))
	require.ErrorIs(t, err, ErrOutOfTurn)

	// Seat 0 cannot play a card it does not hold.
	err = m.PlayCard(ctx, "3001", ids[0].ID, card("A", models.SuitHearts))
	require.ErrorIs(t, err, ErrCardNotHeld)

	require.NoError(t, m.PlayCard(ctx, "3001", ids[0].ID, card("9", models.SuitHearts)))

	// Seat 1 holds hearts: neither an off-suit card nor trump may be
	// played while a heart remains in hand.
	err = m.PlayCard(ctx, "3001", ids[1].ID, card("K", models.SuitClubs))
	require.ErrorIs(t, err, ErrMustFollowSuit)
	err = m.PlayCard(ctx, "3001", ids[1].ID, card("A", models.SuitSpades))
	require.ErrorIs(t, err, ErrMustFollowSuit)

	require.NoError(t, m.PlayCard(ctx, "3001", ids[1].ID, card("2", models.SuitHearts)))

	// Seats 2 and 3 are out of hearts: any card goes.
	require.NoError(t, m.PlayCard(ctx, "3001", ids[2].ID, card("5", models.SuitDiamonds)))
	require.NoError(t, m.PlayCard(ctx, "3001", ids[3].ID, card("6", models.SuitDiamonds)))

	// Trick resolved: seat 0 led the highest heart, no trump played.
	snap, err := m.Snapshot(ctx, "3001")
	require.NoError(t, err)
	require.Equal(t, [2]int{1, 0}, snap.TrickCounts)
	require.Equal(t, 0, snap.Trick.LeaderSeat)
	require.Empty(t, snap.Trick.Plays)
}

func TestSeventhTrickEndsHandAndRedeals(t *testing.T) {
	ctx := context.Background()
	m, st, c := newTestManager(t)
	ids := fourPlayers()
	s := craftGameplay(t, st, "3002", ids)
	s.TrickCounts = [2]int{6, 6}
	s.Hands[0] = []models.Card{card("A", models.SuitHearts)}
	s.Hands[1] = []models.Card{card("2", models.SuitDiamonds)}
	s.Hands[2] = []models.Card{card("3", models.SuitDiamonds)}
	s.Hands[3] = []models.Card{card("4", models.SuitDiamonds)}
	require.NoError(t, st.Put(ctx, "3002", 2, s))

	require.NoError(t, m.PlayCard(ctx, "3002", ids[0].ID, card("A", models.SuitHearts)))
	require.NoError(t, m.PlayCard(ctx, "3002", ids[1].ID, card("2", models.SuitDiamonds)))
	require.NoError(t, m.PlayCard(ctx, "3002", ids[2].ID, card("3", models.SuitDiamonds)))
	require.NoError(t, m.PlayCard(ctx, "3002", ids[3].ID, card("4", models.SuitDiamonds)))

	snap, err := m.Snapshot(ctx, "3002")
	require.NoError(t, err)

	// Team 0 took its 7th trick: hand over, and the deal passes from
	// the winning hakem on seat 0 to the losing team's seat 1.
	require.Equal(t, [2]int{1, 0}, snap.HandWins)
	require.Equal(t, models.PhaseHokmSelection, snap.Phase)
	require.Equal(t, 1, snap.HakemSeat)
	require.Equal(t, 2, snap.HandNumber)
	require.Empty(t, snap.Hokm)
	for seat := 0; seat < models.NumSeats; seat++ {
		require.Len(t, snap.Hands[seat], 13, "fresh deal for seat %d", seat)
	}

	done := msgsFor[protocol.HandComplete](c, ids[0].ID)
	require.Len(t, done, 1)
	require.Equal(t, 0, done[0].WinningTeam)
	require.Equal(t, [2]int{7, 6}, done[0].Tricks)
	require.Equal(t, [2]int{1, 0}, done[0].RoundScores)

	// The re-deal is announced with exactly one fresh initial_deal.
	deals := msgsFor[protocol.InitialDeal](c, ids[1].ID)
	require.Len(t, deals, 1)
	require.True(t, deals[0].IsHakem)
}

func TestHandMajorityEndsGame(t *testing.T) {
	ctx := context.Background()
	m, st, c := newTestManager(t)
	ids := fourPlayers()
	s := craftGameplay(t, st, "3003", ids)
	s.TrickCounts = [2]int{6, 0}
	s.HandWins = [2]int{3, 3}
	s.Hands[0] = []models.Card{card("A", models.SuitSpades)}
	s.Hands[1] = []models.Card{card("2", models.SuitDiamonds)}
	s.Hands[2] = []models.Card{card("3", models.SuitDiamonds)}
	s.Hands[3] = []models.Card{card("4", models.SuitDiamonds)}
	require.NoError(t, st.Put(ctx, "3003", 2, s))

	require.NoError(t, m.PlayCard(ctx, "3003", ids[0].ID, card("A", models.SuitSpades)))
	require.NoError(t, m.PlayCard(ctx, "3003", ids[1].ID, card("2", models.SuitDiamonds)))
	require.NoError(t, m.PlayCard(ctx, "3003", ids[2].ID, card("3", models.SuitDiamonds)))
	require.NoError(t, m.PlayCard(ctx, "3003", ids[3].ID, card("4", models.SuitDiamonds)))

	snap, err := m.Snapshot(ctx, "3003")
	require.NoError(t, err)
	require.Equal(t, models.PhaseGameComplete, snap.Phase)
	require.Equal(t, [2]int{4, 3}, snap.HandWins)

	// A finished game accepts no further plays.
	require.ErrorIs(t, m.PlayCard(ctx, "3003", ids[0].ID, card("2", models.SuitDiamonds)), ErrNotAuthorized)

	phases := msgsFor[protocol.PhaseChange](c, ids[2].ID)
	require.Equal(t, models.PhaseGameComplete, phases[len(phases)-1].Phase)
}

func TestFullHandReachesSevenTricks(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)
	require.NoError(t, m.SelectHokm(ctx, "9999", ids[0].ID, models.SuitHearts))

	byID := map[int]uuid.UUID{}
	snap, err := m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	for i, seat := range snap.Seats {
		byID[i] = seat.PlayerID
	}

	// Drive legal plays until the hand resolves.
	for plays := 0; plays < 13*models.NumSeats; plays++ {
		snap, err = m.Snapshot(ctx, "9999")
		require.NoError(t, err)
		if snap.Phase != models.PhaseGameplay {
			break
		}
		seat := snap.Trick.CurrentSeat()
		require.NoError(t, m.PlayCard(ctx, "9999", byID[seat], pickLegal(snap, seat)))
	}

	snap, err = m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, models.PhaseHokmSelection, snap.Phase, "hand finished and re-dealt")
	require.Equal(t, 2, snap.HandNumber)
	total := snap.HandWins[0] + snap.HandWins[1]
	require.Equal(t, 1, total)
}

func pickLegal(s *models.RoomSnapshot, seat int) models.Card {
	lead := s.Trick.LeadSuit()
	if lead != "" {
		for _, c := range s.Hands[seat] {
			if c.Suit == lead {
				return c
			}
		}
	}
	return s.Hands[seat][0]
}

func TestDisconnectThenReconnectKeepsHand(t *testing.T) {
	ctx := context.Background()
	m, _, c := newTestManager(t)
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)
	require.NoError(t, m.SelectHokm(ctx, "9999", ids[0].ID, models.SuitHearts))

	before, err := m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	seat := before.SeatOf(ids[0].ID)
	handSize := len(before.Hands[seat])

	require.NoError(t, m.Disconnected(ctx, "9999", ids[0].ID))

	snap, err := m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, models.PhaseGameplay, snap.Phase, "gameplay survives a disconnect")
	require.True(t, snap.Seats[seat].PendingReconnect)

	require.NoError(t, m.Reconnect(ctx, "9999", ids[0].ID))

	snap, err = m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	require.False(t, snap.Seats[seat].PendingReconnect)

	resumes := msgsFor[protocol.ReconnectSuccess](c, ids[0].ID)
	require.Len(t, resumes, 1)
	require.Equal(t, models.PhaseGameplay, resumes[0].GameState.Phase)
	require.Len(t, resumes[0].GameState.Hand, handSize)
	require.Equal(t, models.SuitHearts, resumes[0].GameState.Hokm)
	require.Equal(t, snap.TrickCounts, resumes[0].GameState.Tricks)
}

func TestReconnectUnknownPlayer(t *testing.T) {
	m, _, _ := newTestManager(t)
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)

	err := m.Reconnect(context.Background(), "9999", uuid.New())
	require.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestGraceExpiryBeforeGameplayCancels(t *testing.T) {
	ctx := context.Background()
	m, _, c := newTestManager(t)
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)

	// Room sits in hokm selection: a lapsed grace window cancels it.
	require.NoError(t, m.Disconnected(ctx, "9999", ids[2].ID))
	require.NoError(t, m.GraceExpired(ctx, "9999", ids[2].ID))

	snap, err := m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, models.PhaseCancelled, snap.Phase)
	require.NotEmpty(t, snap.CancelReason)

	for _, id := range ids {
		require.NotEmpty(t, msgsFor[protocol.GameCancelled](c, id.ID))
	}
}

func TestGraceExpiryCancelledByReconnect(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)

	require.NoError(t, m.Disconnected(ctx, "9999", ids[2].ID))
	require.NoError(t, m.Reconnect(ctx, "9999", ids[2].ID))

	// A late-firing timer after the reconnect must not cancel the room.
	require.NoError(t, m.GraceExpired(ctx, "9999", ids[2].ID))

	snap, err := m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, models.PhaseHokmSelection, snap.Phase)
}

func TestStaleWriteRetriedOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	flaky := &flakyPutStore{Store: st}
	m, _ := newTestManagerWithStore(t, flaky, "primary")
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)

	flaky.arm(1)
	require.NoError(t, m.SelectHokm(ctx, "9999", ids[0].ID, models.SuitHearts))

	snap, err := m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, models.PhaseGameplay, snap.Phase)
}

func TestPersistentStaleWriteSurfacesUnavailable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	flaky := &flakyPutStore{Store: st}
	m, _ := newTestManagerWithStore(t, flaky, "primary")
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)

	flaky.arm(10)
	err := m.SelectHokm(ctx, "9999", ids[0].ID, models.SuitHearts)
	require.ErrorIs(t, err, store.ErrUnavailable)
}

func TestSecondInstanceDeniedWhileLeaseHeld(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	primary, _ := newTestManagerWithStore(t, st, "primary")
	secondary, _ := newTestManagerWithStore(t, st, "secondary")
	ids := fourPlayers()
	fillRoom(t, primary, "9999", ids)

	_, err := secondary.Join(ctx, "9999", ids[0])
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestActionLogRecordsCommits(t *testing.T) {
	m, st, _ := newTestManager(t)
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)

	require.Eventually(t, func() bool {
		for _, rec := range st.Actions() {
			if rec.Event == "join" && rec.RoomCode == "9999" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestClearRoomDeletesState(t *testing.T) {
	ctx := context.Background()
	m, st, c := newTestManager(t)
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)

	require.NoError(t, m.ClearRoom(ctx, "9999"))

	_, err := st.Get(ctx, "9999")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NotEmpty(t, msgsFor[protocol.GameCancelled](c, ids[0].ID))
	require.Empty(t, m.OwnedRooms())
}

func TestStoreUnavailableSurfacedToPlayers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	down := &downStore{Store: st}
	m, c := newTestManagerWithStore(t, down, "primary")
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)

	// Reads still work, so the failed commit can be announced to the
	// seats the snapshot names.
	down.failPuts(true)
	err := m.SelectHokm(ctx, "9999", ids[0].ID, models.SuitHearts)
	require.ErrorIs(t, err, store.ErrUnavailable)

	var surfaced bool
	for _, e := range msgsFor[protocol.ErrorMessage](c, ids[0].ID) {
		if e.ErrorCode == protocol.CodeStoreUnavailable {
			surfaced = true
		}
	}
	require.True(t, surfaced, "store failure reported to the player")

	// The action was not applied.
	down.failPuts(false)
	snap, err := m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, models.PhaseHokmSelection, snap.Phase)
}

func TestStoreOutageTripsBreaker(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	down := &downStore{Store: st}
	m, _ := newTestManagerWithStore(t, down, "primary")
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)

	down.failAll(true)

	// Five consecutive unavailable reads open the breaker; the sixth
	// call fails fast without touching the store.
	for i := 0; i < 5; i++ {
		_, err := m.Snapshot(ctx, "9999")
		require.ErrorIs(t, err, store.ErrUnavailable)
	}
	_, err := m.Snapshot(ctx, "9999")
	require.ErrorIs(t, err, breaker.ErrOpen)
	err = m.SelectHokm(ctx, "9999", ids[0].ID, models.SuitHearts)
	require.ErrorIs(t, err, breaker.ErrOpen)

	// Store recovers, cooldown elapses, the probe closes the breaker.
	down.failAll(false)
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, m.SelectHokm(ctx, "9999", ids[0].ID, models.SuitHearts))
}

func TestOpenBreakerSkipsLeaseAcquisition(t *testing.T) {
	ctx := context.Background()
	counting := &leaseCountingStore{Store: store.NewMemoryStore()}
	down := &downStore{Store: counting}

	m := NewManager(down, breaker.New(1, time.Minute), Options{
		InstanceID: "primary",
		HandsToWin: 7,
		LeaseTTL:   time.Minute,
	}, quietLogger())
	m.SetSendFunc((&capture{}).send)

	// One unavailable read opens the breaker.
	down.failAll(true)
	_, err := m.Snapshot(ctx, "4001")
	require.ErrorIs(t, err, store.ErrUnavailable)

	// With the circuit open, a join must fail fast before the lease
	// acquisition ever reaches the store.
	_, err = m.Join(ctx, "4001", models.PlayerIdentity{ID: uuid.New(), Username: "player0"})
	require.ErrorIs(t, err, breaker.ErrOpen)
	require.Zero(t, counting.acquires(), "AcquireLease reached the store while the circuit was open")
}

func TestRejoinAfterDisconnectClearsPendingFlag(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	ids := fourPlayers()
	fillRoom(t, m, "9999", ids)
	require.NoError(t, m.SelectHokm(ctx, "9999", ids[0].ID, models.SuitHearts))

	require.NoError(t, m.Disconnected(ctx, "9999", ids[1].ID))

	snap, err := m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	seat := snap.SeatOf(ids[1].ID)
	require.True(t, snap.Seats[seat].PendingReconnect)

	// Coming back through join rather than reconnect still counts as a
	// return: the seat is no longer waiting on its grace window.
	rejoined, err := m.Join(ctx, "9999", ids[1])
	require.NoError(t, err)
	require.True(t, rejoined)

	snap, err = m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	require.False(t, snap.Seats[seat].PendingReconnect)

	// A late-firing grace timer must not cancel the room.
	require.NoError(t, m.GraceExpired(ctx, "9999", ids[1].ID))
	snap, err = m.Snapshot(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, models.PhaseGameplay, snap.Phase)
}

func TestRenewIntervalFollowsConfiguredFraction(t *testing.T) {
	m, _ := newTestManagerWithStore(t, store.NewMemoryStore(), "primary")

	m.opts.LeaseTTL = time.Minute
	m.opts.LeaseRenewFrac = 0.25
	require.Equal(t, 15*time.Second, m.renewInterval())

	// Unset or out-of-range fractions fall back to half the TTL.
	m.opts.LeaseRenewFrac = 0
	require.Equal(t, 30*time.Second, m.renewInterval())
	m.opts.LeaseRenewFrac = 1.5
	require.Equal(t, 30*time.Second, m.renewInterval())
}

// flakyPutStore fails the next n Puts with ErrStaleWrite.
type flakyPutStore struct {
	store.Store
	mu     sync.Mutex
	stales int
}

func (f *flakyPutStore) arm(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stales = n
}

func (f *flakyPutStore) Put(ctx context.Context, code string, version uint64, snap *models.RoomSnapshot) error {
	f.mu.Lock()
	if f.stales > 0 {
		f.stales--
		f.mu.Unlock()
		return store.ErrStaleWrite
	}
	f.mu.Unlock()
	return f.Store.Put(ctx, code, version, snap)
}

// downStore simulates a store outage on writes or on everything.
type downStore struct {
	store.Store
	mu       sync.Mutex
	putsDown bool
	allDown  bool
}

func (d *downStore) failPuts(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.putsDown = down
}

func (d *downStore) failAll(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allDown = down
}

func (d *downStore) Put(ctx context.Context, code string, version uint64, snap *models.RoomSnapshot) error {
	d.mu.Lock()
	down := d.putsDown || d.allDown
	d.mu.Unlock()
	if down {
		return fmt.Errorf("%w: put %s: connection refused", store.ErrUnavailable, code)
	}
	return d.Store.Put(ctx, code, version, snap)
}

func (d *downStore) Get(ctx context.Context, code string) (*models.RoomSnapshot, error) {
	d.mu.Lock()
	down := d.allDown
	d.mu.Unlock()
	if down {
		return nil, fmt.Errorf("%w: get %s: connection refused", store.ErrUnavailable, code)
	}
	return d.Store.Get(ctx, code)
}

// leaseCountingStore counts AcquireLease round-trips that reach the
// underlying store.
type leaseCountingStore struct {
	store.Store
	mu sync.Mutex
	n  int
}

func (l *leaseCountingStore) acquires() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func (l *leaseCountingStore) AcquireLease(ctx context.Context, code, instanceID string, ttl time.Duration) error {
	l.mu.Lock()
	l.n++
	l.mu.Unlock()
	return l.Store.AcquireLease(ctx, code, instanceID, ttl)
}
