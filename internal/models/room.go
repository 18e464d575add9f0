package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle state of a room. Wire values are lowercase and
// appear verbatim in phase_change messages.
type Phase string

const (
	PhaseWaitingForPlayers Phase = "waiting_for_players"
	PhaseTeamAssigned      Phase = "team_assigned"
	PhaseHokmSelection     Phase = "hokm_selection"
	PhaseGameplay          Phase = "gameplay"
	PhaseHandComplete      Phase = "hand_complete"
	PhaseGameComplete      Phase = "game_complete"
	PhaseCancelled         Phase = "cancelled"
)

// Terminal reports whether the phase can never be left.
func (p Phase) Terminal() bool {
	return p == PhaseGameComplete || p == PhaseCancelled
}

// NumSeats is fixed: Hokm is always played by exactly four players.
const NumSeats = 4

// TricksToWinHand ends a hand as soon as one team reaches it (majority of 13).
const TricksToWinHand = 7

// SeatState is one of the four seats in a room. A seat is empty until
// Occupied is set; once a game has meaningfully started a disconnected
// seat stays occupied with PendingReconnect set.
type SeatState struct {
	PlayerID         uuid.UUID `json:"player_id"`
	Username         string    `json:"username"`
	Occupied         bool      `json:"occupied"`
	PendingReconnect bool      `json:"pending_reconnect,omitempty"`
}

// TrickPlay records a single card played into the current trick.
type TrickPlay struct {
	Seat int  `json:"seat"`
	Card Card `json:"card"`
}

// Trick is the in-progress trick: up to four plays in seating order
// starting from the leader.
type Trick struct {
	LeaderSeat int         `json:"leader_seat"`
	Plays      []TrickPlay `json:"plays,omitempty"`
}

// LeadSuit returns the suit of the first card played this trick, or ""
// if no card has been played yet.
func (t Trick) LeadSuit() Suit {
	if len(t.Plays) == 0 {
		return ""
	}
	return t.Plays[0].Card.Suit
}

// CurrentSeat returns the seat whose turn it is within this trick.
func (t Trick) CurrentSeat() int {
	return (t.LeaderSeat + len(t.Plays)) % NumSeats
}

// RoomSnapshot is the authoritative, replicated state of one room. It is
// the unit of replication: every committed mutation produces a new
// snapshot with Version incremented by exactly one. The store's copy,
// not any instance's memory, is the source of truth.
type RoomSnapshot struct {
	Code    string `json:"code"`
	Version uint64 `json:"version"`
	Phase   Phase  `json:"phase"`

	Seats [NumSeats]SeatState `json:"seats"`
	Hands [NumSeats][]Card    `json:"hands"`

	// HandsToWin is fixed at room creation (majority-of-N hands wins the
	// game) and never re-derived per hand.
	HandsToWin int `json:"hands_to_win"`
	HandNumber int `json:"hand_number"`

	// DealSeed is recorded at deal time so replaying a snapshot never
	// reaches for ambient randomness.
	DealSeed int64 `json:"deal_seed"`

	HakemSeat int  `json:"hakem_seat"`
	Hokm      Suit `json:"hokm,omitempty"`

	Trick       Trick  `json:"trick"`
	TrickCounts [2]int `json:"trick_counts"`
	HandWins    [2]int `json:"hand_wins"`

	CancelReason string `json:"cancel_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TeamOfSeat maps a seat to its team: seats 0 and 2 are team 0, seats 1
// and 3 are team 1.
func TeamOfSeat(seat int) int {
	return seat % 2
}

// SeatOf returns the seat index bound to the given player, or -1.
func (r *RoomSnapshot) SeatOf(playerID uuid.UUID) int {
	for i, s := range r.Seats {
		if s.Occupied && s.PlayerID == playerID {
			return i
		}
	}
	return -1
}

// OccupiedSeats counts seats currently bound to a player identity.
func (r *RoomSnapshot) OccupiedSeats() int {
	n := 0
	for _, s := range r.Seats {
		if s.Occupied {
			n++
		}
	}
	return n
}

// HoldsSuit reports whether the given seat still holds at least one card
// of the given suit.
func (r *RoomSnapshot) HoldsSuit(seat int, suit Suit) bool {
	for _, c := range r.Hands[seat] {
		if c.Suit == suit {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Transitions mutate a clone and commit it;
// the original stays untouched if the store rejects the write.
func (r *RoomSnapshot) Clone() *RoomSnapshot {
	cp := *r
	for i := range r.Hands {
		if r.Hands[i] != nil {
			cp.Hands[i] = make([]Card, len(r.Hands[i]))
			copy(cp.Hands[i], r.Hands[i])
		}
	}
	if r.Trick.Plays != nil {
		cp.Trick.Plays = make([]TrickPlay, len(r.Trick.Plays))
		copy(cp.Trick.Plays, r.Trick.Plays)
	}
	return &cp
}
