package models

import "fmt"

// Suit identifies one of the four card suits. Wire values are lowercase
// English names, matching what clients send in hokm_selected.
type Suit string

const (
	SuitHearts   Suit = "hearts"
	SuitDiamonds Suit = "diamonds"
	SuitClubs    Suit = "clubs"
	SuitSpades   Suit = "spades"
)

// Suits lists every suit in deck-building order.
var Suits = [4]Suit{SuitHearts, SuitDiamonds, SuitClubs, SuitSpades}

// Valid reports whether s is one of the four known suits.
func (s Suit) Valid() bool {
	switch s {
	case SuitHearts, SuitDiamonds, SuitClubs, SuitSpades:
		return true
	}
	return false
}

// Ranks lists card ranks in ascending strength order.
var Ranks = [13]string{"2", "3", "4", "5", "6", "7", "8", "9", "10", "J", "Q", "K", "A"}

// Card is a single playing card. Cards travel over the wire as
// {"rank":"A","suit":"hearts"} objects.
type Card struct {
	Rank string `json:"rank"`
	Suit Suit   `json:"suit"`
}

// Value returns the comparative strength of the card's rank (2..14).
// Returns 0 for an unknown rank.
func (c Card) Value() int {
	for i, r := range Ranks {
		if r == c.Rank {
			return i + 2
		}
	}
	return 0
}

// Valid reports whether the card names a real rank and suit.
func (c Card) Valid() bool {
	return c.Suit.Valid() && c.Value() != 0
}

func (c Card) String() string {
	return fmt.Sprintf("%s of %s", c.Rank, c.Suit)
}

// NewDeck returns a full 52-card deck in canonical order.
func NewDeck() []Card {
	deck := make([]Card, 0, 52)
	for _, s := range Suits {
		for _, r := range Ranks {
			deck = append(deck, Card{Rank: r, Suit: s})
		}
	}
	return deck
}
