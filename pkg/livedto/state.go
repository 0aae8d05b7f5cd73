package livedto

import "time"

// Clocks is the derived clock snapshot. Running is empty once the game is frozen.
type Clocks struct {
	WhiteMs int64     `json:"whiteMs"`
	BlackMs int64     `json:"blackMs"`
	Running string    `json:"running,omitempty"`
	AsOf    time.Time `json:"asOf"`
}

type Move struct {
	Ply      int       `json:"ply"`
	UCI      string    `json:"uci"`
	SAN      string    `json:"san"`
	FEN      string    `json:"fen"`
	PlayedBy string    `json:"playedBy"`
	PlayedAt time.Time `json:"playedAt"`
}

type TimeControl struct {
	BaseSeconds      int    `json:"baseSeconds"`
	IncrementSeconds int    `json:"incrementSeconds"`
	Class            string `json:"class"`
}

// GameState is the full snapshot served to viewers and API callers.
type GameState struct {
	GameID        string      `json:"gameId"`
	WhiteID       string      `json:"whiteId"`
	BlackID       string      `json:"blackId"`
	FEN           string      `json:"fen"`
	Moves         []Move      `json:"moves"`
	Ply           int         `json:"ply"`
	SideToMove    string      `json:"sideToMove"`
	Clocks        Clocks      `json:"clocks"`
	Status        string      `json:"status"`
	Result        string      `json:"result,omitempty"`
	FinishReason  string      `json:"finishReason,omitempty"`
	WinnerID      string      `json:"winnerId,omitempty"`
	DrawOfferedBy string      `json:"drawOfferedBy,omitempty"`
	Rated         bool        `json:"rated"`
	TimeControl   TimeControl `json:"timeControl"`
	StartedAt     time.Time   `json:"startedAt"`
	FinishedAt    *time.Time  `json:"finishedAt,omitempty"`
	Version       int64       `json:"version"`
}

// CommandResponse is returned by mutating API calls. Stale marks a command that arrived
// after the game had already finished; State then holds the final result.
type CommandResponse struct {
	State *GameState `json:"state"`
	Move  *Move      `json:"move,omitempty"`
	Stale bool       `json:"stale,omitempty"`
}
