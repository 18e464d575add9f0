package game

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/hokm-live/hokmd/internal/models"
	"github.com/hokm-live/hokmd/internal/protocol"
)

// BroadcastSeat targets an Outgoing at every occupied seat.
const BroadcastSeat = -1

// Outgoing is a message produced by a transition, addressed to one seat
// or to the whole room. Delivery happens only after the transition's
// snapshot commits to the store.
type Outgoing struct {
	Seat int
	Msg  any
}

func toSeat(seat int, msg any) Outgoing { return Outgoing{Seat: seat, Msg: msg} }
func toRoom(msg any) Outgoing           { return Outgoing{Seat: BroadcastSeat, Msg: msg} }

// Every transition below is a pure function of (snapshot, event): it
// mutates the snapshot it is given (the manager works on a clone) and
// returns the messages to deliver once the new snapshot is committed.
// Returning an error means the event was rejected and nothing may be
// committed or delivered.

// applyJoin seats an identity in the room. Joining is idempotent per
// identity: a rejoin reclaims the existing seat and never fills a second
// one or triggers a second deal, and a rejoin by a seat waiting on its
// grace window counts as a reconnect. Filling the fourth seat assigns
// teams, deals, designates the hakem, and moves the room to hokm
// selection.
func applyJoin(s *models.RoomSnapshot, id models.PlayerIdentity, seed int64) ([]Outgoing, bool, error) {
	if s.Phase.Terminal() {
		return nil, false, ErrRoomClosed
	}
	if seat := s.SeatOf(id.ID); seat >= 0 {
		if s.Seats[seat].PendingReconnect {
			s.Seats[seat].PendingReconnect = false
			return []Outgoing{toRoom(protocol.NewInfo(fmt.Sprintf(
				"%s reconnected", s.Seats[seat].Username)))}, true, nil
		}
		return nil, true, errNoChange
	}
	if s.Phase != models.PhaseWaitingForPlayers {
		return nil, false, ErrRoomFull
	}

	seat := -1
	for i := range s.Seats {
		if !s.Seats[i].Occupied {
			seat = i
			break
		}
	}
	if seat == -1 {
		return nil, false, ErrRoomFull
	}
	s.Seats[seat] = models.SeatState{PlayerID: id.ID, Username: id.Username, Occupied: true}

	out := []Outgoing{toRoom(protocol.NewInfo(fmt.Sprintf("%s joined seat %d", id.Username, seat)))}
	if s.OccupiedSeats() < models.NumSeats {
		return out, false, nil
	}

	// Fourth seat filled: teams follow from seat parity, the first
	// hand's hakem is seat 0, and the deal happens exactly once.
	s.Phase = models.PhaseTeamAssigned
	s.HandNumber = 1
	s.HakemSeat = 0
	dealNewHand(s, seed)

	out = append(out,
		toRoom(protocol.NewPhaseChange(models.PhaseTeamAssigned)),
		toRoom(protocol.NewTeamAssignment(teamsView(s))),
	)
	out = append(out, dealMessages(s)...)

	s.Phase = models.PhaseHokmSelection
	out = append(out, toRoom(protocol.NewPhaseChange(models.PhaseHokmSelection)))
	return out, false, nil
}

// applySelectHokm records the trump suit. Only the hakem may choose.
func applySelectHokm(s *models.RoomSnapshot, playerID uuid.UUID, suit models.Suit) ([]Outgoing, error) {
	seat := s.SeatOf(playerID)
	if seat < 0 {
		return nil, ErrPlayerNotFound
	}
	if s.Phase != models.PhaseHokmSelection {
		return nil, ErrNotAuthorized
	}
	if seat != s.HakemSeat {
		return nil, ErrNotAuthorized
	}
	if !suit.Valid() {
		return nil, fmt.Errorf("%w: unknown suit %q", ErrNotAuthorized, suit)
	}

	s.Hokm = suit
	s.Phase = models.PhaseGameplay
	s.Trick = models.Trick{LeaderSeat: s.HakemSeat}

	out := []Outgoing{toRoom(protocol.NewPhaseChange(models.PhaseGameplay))}
	return append(out, turnStartMessages(s)...), nil
}

// applyPlayCard validates and applies one card play, resolving the trick
// on its fourth card and the hand when a team reaches seven tricks.
// nextSeed is consumed only when the hand ends and a re-deal is needed.
func applyPlayCard(s *models.RoomSnapshot, playerID uuid.UUID, card models.Card, nextSeed int64) ([]Outgoing, error) {
	seat := s.SeatOf(playerID)
	if seat < 0 {
		return nil, ErrPlayerNotFound
	}
	if s.Phase != models.PhaseGameplay {
		return nil, ErrNotAuthorized
	}
	if s.Trick.CurrentSeat() != seat {
		return nil, ErrOutOfTurn
	}
	if !holdsCard(s, seat, card) {
		return nil, ErrCardNotHeld
	}
	if !followSuitOK(s, seat, card) {
		return nil, ErrMustFollowSuit
	}

	removeCard(s, seat, card)
	s.Trick.Plays = append(s.Trick.Plays, models.TrickPlay{Seat: seat, Card: card})
	if len(s.Trick.Plays) < models.NumSeats {
		return turnStartMessages(s), nil
	}

	// Fourth card: resolve the trick.
	winner := trickWinner(s.Trick.Plays, s.Hokm)
	winningTeam := models.TeamOfSeat(winner)
	s.TrickCounts[winningTeam]++
	s.Trick = models.Trick{LeaderSeat: winner}

	out := []Outgoing{toRoom(protocol.NewInfo(fmt.Sprintf(
		"trick won by %s (%d-%d)", s.Seats[winner].Username, s.TrickCounts[0], s.TrickCounts[1])))}

	if s.TrickCounts[winningTeam] < models.TricksToWinHand {
		return append(out, turnStartMessages(s)...), nil
	}

	// Hand over: remaining cards are discarded even if some are unplayed.
	return append(out, completeHand(s, winningTeam, nextSeed)...), nil
}

// completeHand records the hand result and either finishes the game or
// rotates the hakem, re-deals, and returns to hokm selection.
func completeHand(s *models.RoomSnapshot, winningTeam int, nextSeed int64) []Outgoing {
	losingTeam := 1 - winningTeam
	finalTricks := s.TrickCounts
	s.HandWins[winningTeam]++
	s.Phase = models.PhaseHandComplete

	out := []Outgoing{
		toRoom(protocol.NewPhaseChange(models.PhaseHandComplete)),
		toRoom(protocol.NewHandComplete(winningTeam, finalTricks, s.HandWins)),
	}

	// HandsToWin is fixed at creation; majority decides the game.
	if s.HandWins[winningTeam] > s.HandsToWin/2 {
		s.Phase = models.PhaseGameComplete
		out = append(out,
			toRoom(protocol.NewPhaseChange(models.PhaseGameComplete)),
			toRoom(protocol.NewInfo(fmt.Sprintf(
				"game over: team %d wins %d-%d", winningTeam, s.HandWins[winningTeam], s.HandWins[losingTeam]))),
		)
		return out
	}

	// Seats stay fixed; only the hakem rotates and a fresh hand is dealt
	// before returning to hokm selection.
	s.HakemSeat = nextHakem(s.HakemSeat, losingTeam)
	s.HandNumber++
	dealNewHand(s, nextSeed)
	s.Phase = models.PhaseHokmSelection

	out = append(out, dealMessages(s)...)
	out = append(out, toRoom(protocol.NewPhaseChange(models.PhaseHokmSelection)))
	return out
}

// applyDisconnect marks a seated player's connection as lost. During
// hokm selection or earlier the room will be cancelled if the grace
// window expires; from gameplay onward the seat just pauses.
func applyDisconnect(s *models.RoomSnapshot, playerID uuid.UUID) ([]Outgoing, error) {
	seat := s.SeatOf(playerID)
	if seat < 0 {
		return nil, ErrPlayerNotFound
	}
	if s.Phase.Terminal() || s.Seats[seat].PendingReconnect {
		return nil, errNoChange
	}
	s.Seats[seat].PendingReconnect = true
	return []Outgoing{toRoom(protocol.NewInfo(fmt.Sprintf(
		"%s disconnected, waiting for reconnect", s.Seats[seat].Username)))}, nil
}

// applyReconnect re-binds a seat to a returning identity and replays the
// minimum state the client needs in one reconnect_success message.
func applyReconnect(s *models.RoomSnapshot, playerID uuid.UUID) ([]Outgoing, error) {
	seat := s.SeatOf(playerID)
	if seat < 0 {
		return nil, ErrPlayerNotFound
	}
	if s.Phase.Terminal() {
		return nil, ErrRoomClosed
	}
	s.Seats[seat].PendingReconnect = false

	out := []Outgoing{
		toSeat(seat, protocol.NewReconnectSuccess(playerID, s.Seats[seat].Username, buildGameState(s, seat))),
		toRoom(protocol.NewInfo(fmt.Sprintf("%s reconnected", s.Seats[seat].Username))),
	}
	return out, nil
}

// applyGraceExpired handles a grace window lapsing without a reconnect.
// The game cannot continue three-handed, so the room is cancelled for
// everyone regardless of phase.
func applyGraceExpired(s *models.RoomSnapshot, playerID uuid.UUID) ([]Outgoing, error) {
	seat := s.SeatOf(playerID)
	if seat < 0 {
		return nil, ErrPlayerNotFound
	}
	if s.Phase.Terminal() || !s.Seats[seat].PendingReconnect {
		return nil, errNoChange
	}

	reason := fmt.Sprintf("%s did not reconnect in time", s.Seats[seat].Username)
	s.Phase = models.PhaseCancelled
	s.CancelReason = reason
	return []Outgoing{toRoom(protocol.NewGameCancelled(reason))}, nil
}

// dealNewHand shuffles with the recorded seed and resets per-hand state.
func dealNewHand(s *models.RoomSnapshot, seed int64) {
	s.DealSeed = seed
	s.Hands = dealHands(seed)
	s.Hokm = ""
	s.Trick = models.Trick{LeaderSeat: s.HakemSeat}
	s.TrickCounts = [2]int{}
}

func holdsCard(s *models.RoomSnapshot, seat int, card models.Card) bool {
	for _, c := range s.Hands[seat] {
		if c == card {
			return true
		}
	}
	return false
}

func removeCard(s *models.RoomSnapshot, seat int, card models.Card) {
	for i, c := range s.Hands[seat] {
		if c == card {
			s.Hands[seat] = append(s.Hands[seat][:i], s.Hands[seat][i+1:]...)
			return
		}
	}
}

func teamsView(s *models.RoomSnapshot) protocol.Teams {
	var teams protocol.Teams
	for i, seat := range s.Seats {
		if seat.Occupied {
			team := models.TeamOfSeat(i)
			teams[team] = append(teams[team], seat.Username)
		}
	}
	return teams
}

// dealMessages emits exactly one initial_deal per seat for the current
// hand.
func dealMessages(s *models.RoomSnapshot) []Outgoing {
	out := make([]Outgoing, 0, models.NumSeats)
	for seat := 0; seat < models.NumSeats; seat++ {
		hand := make([]models.Card, len(s.Hands[seat]))
		copy(hand, s.Hands[seat])
		out = append(out, toSeat(seat, protocol.NewInitialDeal(hand, seat == s.HakemSeat)))
	}
	return out
}

// turnStartMessages tells every seat whose turn it is, with each seat's
// own hand so clients can render without another round-trip.
func turnStartMessages(s *models.RoomSnapshot) []Outgoing {
	current := s.Trick.CurrentSeat()
	currentName := s.Seats[current].Username
	out := make([]Outgoing, 0, models.NumSeats)
	for seat := 0; seat < models.NumSeats; seat++ {
		hand := make([]models.Card, len(s.Hands[seat]))
		copy(hand, s.Hands[seat])
		out = append(out, toSeat(seat, protocol.NewTurnStart(hand, seat == current, currentName, s.Hokm)))
	}
	return out
}

// buildGameState assembles the reconnect replay payload for one seat.
func buildGameState(s *models.RoomSnapshot, seat int) protocol.GameState {
	hand := make([]models.Card, len(s.Hands[seat]))
	copy(hand, s.Hands[seat])
	return protocol.GameState{
		Phase:       s.Phase,
		You:         seat,
		YourTeam:    models.TeamOfSeat(seat),
		Hand:        hand,
		Hokm:        s.Hokm,
		Teams:       teamsView(s),
		CurrentTurn: s.Trick.CurrentSeat(),
		Tricks:      s.TrickCounts,
	}
}
