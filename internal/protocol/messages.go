// Package protocol defines the JSON message envelopes exchanged with
// clients over the websocket. The client-to-server set is closed:
// DecodeClient enumerates every type and rejects anything else, so a new
// message type cannot be added without handling it.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hokm-live/hokmd/internal/models"
)

// Error codes carried in error{error_code}. Illegal-move codes are
// advisory: they never change room state.
const (
	CodeAlreadyConnected = "ALREADY_CONNECTED"
	CodePlayerNotFound   = "PlayerNotFound"
	CodeOutOfTurn        = "OutOfTurn"
	CodeCardNotHeld      = "CardNotHeld"
	CodeMustFollowSuit   = "MustFollowSuit"
	CodeNotAuthorized    = "NotAuthorized"
	CodeNotOwner         = "NotOwner"
	CodeAuthError        = "AuthError"
	CodeStoreUnavailable = "StoreUnavailable"
	CodeCircuitOpen      = "CircuitOpen"
	CodeRoomNotFound     = "RoomNotFound"
	CodeRoomFull         = "RoomFull"
	CodeBadRequest       = "BadRequest"
)

// ClientMessage is implemented by every message a client may send.
type ClientMessage interface {
	clientMessage()
}

type Join struct {
	Username string `json:"username,omitempty"`
	RoomCode string `json:"room_code"`
}

type Reconnect struct {
	PlayerID uuid.UUID `json:"player_id"`
	RoomCode string    `json:"room_code"`
}

type AuthLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthToken struct {
	Token string `json:"token"`
}

type HokmSelected struct {
	Suit     models.Suit `json:"suit"`
	RoomCode string      `json:"room_code"`
}

type PlayCard struct {
	RoomCode string      `json:"room_code"`
	PlayerID uuid.UUID   `json:"player_id"`
	Card     models.Card `json:"card"`
}

type ClearRoom struct {
	RoomCode string `json:"room_code"`
}

func (*Join) clientMessage()         {}
func (*Reconnect) clientMessage()    {}
func (*AuthLogin) clientMessage()    {}
func (*AuthToken) clientMessage()    {}
func (*HokmSelected) clientMessage() {}
func (*PlayCard) clientMessage()     {}
func (*ClearRoom) clientMessage()    {}

type envelope struct {
	Type string `json:"type"`
}

// DecodeClient parses a raw frame into its typed message. Unknown types
// and malformed payloads are errors; the caller reports them to the
// offending connection only.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	var msg ClientMessage
	switch env.Type {
	case "join":
		msg = &Join{}
	case "reconnect":
		msg = &Reconnect{}
	case "auth_login":
		msg = &AuthLogin{}
	case "auth_token":
		msg = &AuthToken{}
	case "hokm_selected":
		msg = &HokmSelected{}
	case "play_card":
		msg = &PlayCard{}
	case "clear_room":
		msg = &ClearRoom{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}
