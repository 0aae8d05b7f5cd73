package livedto

import "time"

// Event type names carried in Envelope.Type.
const (
	EventMatchFound   = "match.found"
	EventGameFinished = "game.finished"
)

// MatchFound is consumed from matchmaking; it creates one game.
type MatchFound struct {
	EventID          string `json:"eventId"`
	GameID           string `json:"gameId"`
	WhitePlayerID    string `json:"whitePlayerId"`
	BlackPlayerID    string `json:"blackPlayerId"`
	TimeControlType  string `json:"timeControlType,omitempty"`
	BaseSeconds      int    `json:"baseSeconds"`
	IncrementSeconds int    `json:"incrementSeconds"`
	Rated            bool   `json:"rated"`
}

// GameFinished is published once per finished game. EventID is derived from
// the game id so redelivery downstream is recognisable.
type GameFinished struct {
	EventID      string      `json:"eventId"`
	GameID       string      `json:"gameId"`
	WhiteID      string      `json:"whiteId"`
	BlackID      string      `json:"blackId"`
	Result       string      `json:"result"`
	FinishReason string      `json:"finishReason"`
	WinnerID     string      `json:"winnerId,omitempty"`
	FinishedAt   time.Time   `json:"finishedAt"`
	MoveCount    int         `json:"moveCount"`
	Moves        []string    `json:"moves"`
	PGN          string      `json:"pgn"`
	Rated        bool        `json:"rated"`
	TimeControl  TimeControl `json:"timeControl"`
}

// BusEnvelope wraps facts on the event bus and webhooks.
type BusEnvelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}
