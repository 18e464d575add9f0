package game

import "errors"

// Illegal-move errors are advisory: they are reported to the offending
// connection only and never change room state.
var (
	ErrOutOfTurn      = errors.New("not your turn")
	ErrCardNotHeld    = errors.New("card not in hand")
	ErrMustFollowSuit = errors.New("must follow the leading suit")
	ErrNotAuthorized  = errors.New("not authorized")
	ErrPlayerNotFound = errors.New("player has no seat in this room")
	ErrRoomFull       = errors.New("room is full")
	ErrRoomClosed     = errors.New("room is closed")

	// ErrNotOwner means this instance does not hold the room's lease;
	// the client should retry against the owning instance.
	ErrNotOwner = errors.New("room is owned by another instance")
)
