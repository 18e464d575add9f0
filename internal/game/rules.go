package game

import (
	"math/rand"

	"github.com/hokm-live/hokmd/internal/models"
)

// shuffledDeck returns the 52-card deck shuffled by the given seed. The
// seed is recorded in the snapshot so a replayed deal produces the same
// hands without ambient randomness.
func shuffledDeck(seed int64) []models.Card {
	deck := models.NewDeck()
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(deck), func(i, j int) {
		deck[i], deck[j] = deck[j], deck[i]
	})
	return deck
}

// dealHands splits a shuffled deck into four 13-card hands by seat.
func dealHands(seed int64) [models.NumSeats][]models.Card {
	deck := shuffledDeck(seed)
	var hands [models.NumSeats][]models.Card
	per := len(deck) / models.NumSeats
	for seat := 0; seat < models.NumSeats; seat++ {
		hand := make([]models.Card, per)
		copy(hand, deck[seat*per:(seat+1)*per])
		hands[seat] = hand
	}
	return hands
}

// beats reports whether candidate wins over the current best card of a
// trick. Trump beats any non-trump; otherwise only a higher card of the
// same suit wins. An off-suit, non-trump card never wins, so the lead
// suit dominates by construction (best starts as the led card).
func beats(candidate, best models.Card, hokm models.Suit) bool {
	if candidate.Suit == best.Suit {
		return candidate.Value() > best.Value()
	}
	return candidate.Suit == hokm
}

// trickWinner resolves a completed trick to the winning seat.
func trickWinner(plays []models.TrickPlay, hokm models.Suit) int {
	best := plays[0]
	for _, p := range plays[1:] {
		if beats(p.Card, best.Card, hokm) {
			best = p
		}
	}
	return best.Seat
}

// followSuitOK applies the follow-suit rule: a card is playable iff no
// card has led yet, it matches the leading suit, or the seat holds no
// card of the leading suit. Trump is exempt only in the last case.
func followSuitOK(s *models.RoomSnapshot, seat int, card models.Card) bool {
	lead := s.Trick.LeadSuit()
	if lead == "" || card.Suit == lead {
		return true
	}
	return !s.HoldsSuit(seat, lead)
}

// nextHakem implements the rotation after a lost hand: the new hakem
// comes from the losing team. If the old hakem lost, the role passes to
// their partner; otherwise it goes to the losing-team seat next
// clockwise from the old hakem.
func nextHakem(hakemSeat, losingTeam int) int {
	if models.TeamOfSeat(hakemSeat) == losingTeam {
		return (hakemSeat + 2) % models.NumSeats
	}
	for i := 1; i < models.NumSeats; i++ {
		seat := (hakemSeat + i) % models.NumSeats
		if models.TeamOfSeat(seat) == losingTeam {
			return seat
		}
	}
	return hakemSeat
}
