package game

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-live/pkg/livedto"
)

// State renders the snapshot served to viewers, clocks evaluated at now.
func (g *Game) State(now time.Time) livedto.GameState {
	moves := make([]livedto.Move, len(g.Moves))
	for i, m := range g.Moves {
		moves[i] = m.DTO()
	}
	st := livedto.GameState{
		GameID:        g.ID,
		WhiteID:       g.WhiteID,
		BlackID:       g.BlackID,
		FEN:           g.FEN,
		Moves:         moves,
		Ply:           len(g.Moves),
		SideToMove:    string(g.SideToMove()),
		Clocks:        g.Clocks(now),
		Status:        string(g.Status),
		Result:        string(g.Result),
		FinishReason:  string(g.FinishReason),
		WinnerID:      g.WinnerID,
		DrawOfferedBy: g.DrawOfferedBy,
		Rated:         g.Rated,
		TimeControl: livedto.TimeControl{
			BaseSeconds:      g.TimeControl.BaseSeconds,
			IncrementSeconds: g.TimeControl.IncrementSeconds,
			Class:            g.TimeControl.Class,
		},
		StartedAt: g.StartedAt,
		Version:   g.Version,
	}
	if g.FinishedAt != nil {
		at := *g.FinishedAt
		st.FinishedAt = &at
	}
	return st
}

func (g *Game) Clocks(now time.Time) livedto.Clocks {
	snap := g.Clock.Snapshot(now)
	return livedto.Clocks{
		WhiteMs: snap.WhiteMs,
		BlackMs: snap.BlackMs,
		Running: string(snap.Running),
		AsOf:    snap.AsOf,
	}
}

func (m Move) DTO() livedto.Move {
	return livedto.Move{
		Ply:      m.Ply,
		UCI:      m.UCI,
		SAN:      m.SAN,
		FEN:      m.FEN,
		PlayedBy: m.PlayedBy,
		PlayedAt: m.PlayedAt,
	}
}

// FinishedEventID is stable per game so every redelivery carries the same id.
func FinishedEventID(gameID string) string { return gameID + ":finished" }

// Finished builds the GameFinished fact. ok is false while the game is live.
func (g *Game) Finished() (livedto.GameFinished, bool) {
	if !g.Terminal() || g.FinishedAt == nil {
		return livedto.GameFinished{}, false
	}
	uci := make([]string, len(g.Moves))
	for i, m := range g.Moves {
		uci[i] = m.UCI
	}
	return livedto.GameFinished{
		EventID:      FinishedEventID(g.ID),
		GameID:       g.ID,
		WhiteID:      g.WhiteID,
		BlackID:      g.BlackID,
		Result:       string(g.Result),
		FinishReason: string(g.FinishReason),
		WinnerID:     g.WinnerID,
		FinishedAt:   *g.FinishedAt,
		MoveCount:    len(g.Moves),
		Moves:        uci,
		PGN:          g.PGN(),
		Rated:        g.Rated,
		TimeControl: livedto.TimeControl{
			BaseSeconds:      g.TimeControl.BaseSeconds,
			IncrementSeconds: g.TimeControl.IncrementSeconds,
			Class:            g.TimeControl.Class,
		},
	}, true
}

// PGN renders the game with SAN move text.
func (g *Game) PGN() string {
	var b strings.Builder
	date := g.StartedAt
	if date.IsZero() {
		date = time.Now()
	}
	result := string(g.Result)
	if result == "" {
		result = string(NoResult)
	}
	b.WriteString("[Event \"Live Chess\"]\n")
	b.WriteString("[Site \"cheese-live\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(g.WhiteID)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(g.BlackID)))
	b.WriteString(fmt.Sprintf("[TimeControl \"%d+%d\"]\n", g.TimeControl.BaseSeconds, g.TimeControl.IncrementSeconds))
	if g.StartFEN != "" {
		b.WriteString("[SetUp \"1\"]\n")
		b.WriteString(fmt.Sprintf("[FEN \"%s\"]\n", sanitizePGN(g.StartFEN)))
	}
	if g.FinishReason != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", strings.ToLower(string(g.FinishReason))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	moveNo, blackFirst := startNumbering(g.StartFEN)
	for i, m := range g.Moves {
		whiteMove := (i%2 == 0) != blackFirst
		switch {
		case whiteMove:
			b.WriteString(fmt.Sprintf("%d. ", moveNo))
		case i == 0:
			b.WriteString(fmt.Sprintf("%d... ", moveNo))
		}
		b.WriteString(strings.TrimSpace(m.SAN))
		b.WriteString(" ")
		if !whiteMove {
			moveNo++
		}
	}
	b.WriteString(result)
	return b.String()
}

// startNumbering reads the full-move number and side to move from a FEN.
func startNumbering(fen string) (int, bool) {
	fields := strings.Fields(fen)
	if len(fields) < 6 {
		return 1, false
	}
	n := 1
	if _, err := fmt.Sscanf(fields[5], "%d", &n); err != nil || n < 1 {
		n = 1
	}
	return n, fields[1] == "b"
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
