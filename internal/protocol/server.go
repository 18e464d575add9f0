package protocol

import (
	"github.com/google/uuid"

	"github.com/hokm-live/hokmd/internal/models"
)

// Teams lists the usernames on each team, indexed by team number.
type Teams [2][]string

// GameState is the minimum state a client needs to resume after a
// reconnect, delivered in a single reconnect_success message.
type GameState struct {
	Phase       models.Phase  `json:"phase"`
	You         int           `json:"you"`
	YourTeam    int           `json:"your_team"`
	Hand        []models.Card `json:"hand"`
	Hokm        models.Suit   `json:"hokm,omitempty"`
	Teams       Teams         `json:"teams"`
	CurrentTurn int           `json:"current_turn"`
	Tricks      [2]int        `json:"tricks"`
}

type JoinSuccess struct {
	Type        string    `json:"type"`
	PlayerID    uuid.UUID `json:"player_id"`
	Username    string    `json:"username"`
	Reconnected bool      `json:"reconnected"`
}

type AuthSuccess struct {
	Type     string    `json:"type"`
	PlayerID uuid.UUID `json:"player_id"`
	Username string    `json:"username"`
	Token    string    `json:"token,omitempty"`
}

type ReconnectSuccess struct {
	Type      string    `json:"type"`
	PlayerID  uuid.UUID `json:"player_id"`
	Username  string    `json:"username"`
	GameState GameState `json:"game_state"`
}

type InitialDeal struct {
	Type    string        `json:"type"`
	Hand    []models.Card `json:"hand"`
	IsHakem bool          `json:"is_hakem"`
}

type PhaseChange struct {
	Type  string       `json:"type"`
	Phase models.Phase `json:"phase"`
}

type TeamAssignment struct {
	Type  string `json:"type"`
	Teams Teams  `json:"teams"`
}

type TurnStart struct {
	Type          string        `json:"type"`
	Hand          []models.Card `json:"hand"`
	YourTurn      bool          `json:"your_turn"`
	CurrentPlayer string        `json:"current_player"`
	Hokm          models.Suit   `json:"hokm,omitempty"`
}

type HandComplete struct {
	Type        string `json:"type"`
	WinningTeam int    `json:"winning_team"`
	Tricks      [2]int `json:"tricks"`
	RoundScores [2]int `json:"round_scores"`
}

type GameCancelled struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
}

type Info struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewJoinSuccess(playerID uuid.UUID, username string, reconnected bool) JoinSuccess {
	return JoinSuccess{Type: "join_success", PlayerID: playerID, Username: username, Reconnected: reconnected}
}

func NewAuthSuccess(playerID uuid.UUID, username, token string) AuthSuccess {
	return AuthSuccess{Type: "auth_success", PlayerID: playerID, Username: username, Token: token}
}

func NewReconnectSuccess(playerID uuid.UUID, username string, state GameState) ReconnectSuccess {
	return ReconnectSuccess{Type: "reconnect_success", PlayerID: playerID, Username: username, GameState: state}
}

func NewInitialDeal(hand []models.Card, isHakem bool) InitialDeal {
	return InitialDeal{Type: "initial_deal", Hand: hand, IsHakem: isHakem}
}

func NewPhaseChange(phase models.Phase) PhaseChange {
	return PhaseChange{Type: "phase_change", Phase: phase}
}

func NewTeamAssignment(teams Teams) TeamAssignment {
	return TeamAssignment{Type: "team_assignment", Teams: teams}
}

func NewTurnStart(hand []models.Card, yourTurn bool, currentPlayer string, hokm models.Suit) TurnStart {
	return TurnStart{Type: "turn_start", Hand: hand, YourTurn: yourTurn, CurrentPlayer: currentPlayer, Hokm: hokm}
}

func NewHandComplete(winningTeam int, tricks [2]int, roundScores [2]int) HandComplete {
	return HandComplete{Type: "hand_complete", WinningTeam: winningTeam, Tricks: tricks, RoundScores: roundScores}
}

func NewGameCancelled(reason string) GameCancelled {
	return GameCancelled{Type: "game_cancelled", Reason: reason}
}

func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: "error", Message: message, ErrorCode: code}
}

func NewInfo(message string) Info {
	return Info{Type: "info", Message: message}
}
