package game

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-live/internal/clock"
	"github.com/park285/cheese-live/internal/rules"
	"github.com/park285/cheese-live/pkg/livedto"
)

// Color identifies chess side.
type Color = rules.Color

const (
	White = rules.White
	Black = rules.Black
)

// Status represents a live game lifecycle state.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusActive   Status = "ACTIVE"
	StatusFinished Status = "FINISHED"
)

type Result string

const (
	WhiteWins Result = "1-0"
	BlackWins Result = "0-1"
	Draw      Result = "1/2-1/2"
	// Aborted games carry the PGN "unknown result" token.
	NoResult Result = "*"
)

type FinishReason string

const (
	ReasonCheckmate            FinishReason = "CHECKMATE"
	ReasonStalemate            FinishReason = "STALEMATE"
	ReasonInsufficientMaterial FinishReason = "INSUFFICIENT_MATERIAL"
	ReasonThreefoldRepetition  FinishReason = "THREEFOLD_REPETITION"
	ReasonFiftyMoveRule        FinishReason = "FIFTY_MOVE_RULE"
	ReasonResign               FinishReason = "RESIGN"
	ReasonDrawAgreement        FinishReason = "DRAW_AGREEMENT"
	ReasonTimeout              FinishReason = "TIMEOUT"
	ReasonAborted              FinishReason = "ABORTED"
)

type TimeControl struct {
	BaseSeconds      int    `json:"base_seconds"`
	IncrementSeconds int    `json:"increment_seconds"`
	Class            string `json:"class"`
}

// Move is one recorded ply. Never mutated once appended.
type Move struct {
	Ply      int       `json:"ply"`
	UCI      string    `json:"uci"`
	SAN      string    `json:"san"`
	FEN      string    `json:"fen"`
	PlayedBy string    `json:"played_by"`
	PlayedAt time.Time `json:"played_at"`
}

// Game is the authoritative state of one live game.
type Game struct {
	ID            string       `json:"id"`
	WhiteID       string       `json:"white_id"`
	BlackID       string       `json:"black_id"`
	StartFEN      string       `json:"start_fen,omitempty"`
	FEN           string       `json:"fen"`
	Moves         []Move       `json:"moves"`
	Clock         clock.Clock  `json:"clock"`
	Rated         bool         `json:"rated"`
	TimeControl   TimeControl  `json:"time_control"`
	Status        Status       `json:"status"`
	Result        Result       `json:"result,omitempty"`
	FinishReason  FinishReason `json:"finish_reason,omitempty"`
	WinnerID      string       `json:"winner_id,omitempty"`
	DrawOfferedBy string       `json:"draw_offered_by,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
	Version       int64        `json:"version"`
}

// Setup describes a game to create.
type Setup struct {
	ID               string
	WhiteID          string
	BlackID          string
	BaseSeconds      int
	IncrementSeconds int
	Class            string
	Rated            bool
	// StartFEN is empty for the standard initial position.
	StartFEN string
}

var ErrInvalidSetup = errors.New("invalid game setup")

// New creates an active game whose clock starts at now.
func New(s Setup, now time.Time) (*Game, error) {
	s.ID = strings.TrimSpace(s.ID)
	s.WhiteID = strings.TrimSpace(s.WhiteID)
	s.BlackID = strings.TrimSpace(s.BlackID)
	switch {
	case s.ID == "":
		return nil, fmt.Errorf("%w: game id required", ErrInvalidSetup)
	case s.WhiteID == "" || s.BlackID == "":
		return nil, fmt.Errorf("%w: both players required", ErrInvalidSetup)
	case s.WhiteID == s.BlackID:
		return nil, fmt.Errorf("%w: players must differ", ErrInvalidSetup)
	case s.BaseSeconds <= 0:
		return nil, fmt.Errorf("%w: base seconds must be positive", ErrInvalidSetup)
	case s.IncrementSeconds < 0:
		return nil, fmt.Errorf("%w: increment must not be negative", ErrInvalidSetup)
	}
	pos := rules.Position{StartFEN: strings.TrimSpace(s.StartFEN)}
	fen, err := rules.FEN(pos)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSetup, err)
	}
	turn, err := rules.Turn(pos)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSetup, err)
	}
	c := clock.New(time.Duration(s.BaseSeconds)*time.Second, time.Duration(s.IncrementSeconds)*time.Second, now)
	c.Running = turn
	return &Game{
		ID:       s.ID,
		WhiteID:  s.WhiteID,
		BlackID:  s.BlackID,
		StartFEN: pos.StartFEN,
		FEN:      fen,
		Moves:    []Move{},
		Clock:    c,
		Rated:    s.Rated,
		TimeControl: TimeControl{
			BaseSeconds:      s.BaseSeconds,
			IncrementSeconds: s.IncrementSeconds,
			Class:            s.Class,
		},
		Status:    StatusActive,
		StartedAt: now,
		UpdatedAt: now,
		Version:   1,
	}, nil
}

// Clone returns a deep copy; operations never touch the receiver.
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Moves = append([]Move(nil), g.Moves...)
	if g.FinishedAt != nil {
		t := *g.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func (g *Game) Terminal() bool { return g.Status == StatusFinished }

func (g *Game) Ply() int { return len(g.Moves) }

// SideToMove reads the side to move from the current position.
func (g *Game) SideToMove() Color {
	fields := strings.Fields(g.FEN)
	if len(fields) > 1 && fields[1] == "b" {
		return Black
	}
	return White
}

// SideOf returns the color playerID plays, or "" for non-participants.
func (g *Game) SideOf(playerID string) Color {
	switch strings.TrimSpace(playerID) {
	case "":
		return ""
	case g.WhiteID:
		return White
	case g.BlackID:
		return Black
	}
	return ""
}

func (g *Game) PlayerOf(side Color) string {
	if side == White {
		return g.WhiteID
	}
	return g.BlackID
}

func (g *Game) position() rules.Position {
	moves := make([]string, len(g.Moves))
	for i, m := range g.Moves {
		moves[i] = m.UCI
	}
	return rules.Position{StartFEN: g.StartFEN, Moves: moves}
}

// Rejection is a command refused by the rules; the game is unchanged.
type Rejection struct {
	livedto.DomainError
}

func (r *Rejection) Error() string { return r.Code + ": " + r.Message }

func reject(code, format string, args ...any) *Rejection {
	return &Rejection{livedto.DomainError{Code: code, Message: fmt.Sprintf(format, args...)}}
}
