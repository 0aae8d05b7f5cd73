package game

import (
	"errors"
	"fmt"
)

var ErrInvariant = errors.New("game invariant violated")

// CheckInvariants verifies the structural rules every stored version must
// satisfy. Stores call it before committing.
func (g *Game) CheckInvariants() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: game %s: %s", ErrInvariant, g.ID, fmt.Sprintf(format, args...))
	}
	for i, m := range g.Moves {
		if m.Ply != i {
			return fail("ply %d recorded at index %d", m.Ply, i)
		}
		if g.SideOf(m.PlayedBy) == "" {
			return fail("ply %d played by non-participant %q", i, m.PlayedBy)
		}
	}
	if n := len(g.Moves); n > 0 && g.Moves[n-1].FEN != g.FEN {
		return fail("position does not match last move")
	}
	if g.StartFEN == "" {
		want := White
		if len(g.Moves)%2 == 1 {
			want = Black
		}
		if g.SideToMove() != want {
			return fail("side to move %s after %d plies", g.SideToMove(), len(g.Moves))
		}
	}
	if n := len(g.Moves); n > 0 && g.SideOf(g.Moves[n-1].PlayedBy) == g.SideToMove() {
		return fail("same side to move twice")
	}
	switch g.Status {
	case StatusFinished:
		if g.Result == "" || g.FinishReason == "" || g.FinishedAt == nil {
			return fail("finished without result")
		}
		if g.DrawOfferedBy != "" {
			return fail("draw offer on finished game")
		}
		if g.Clock.Running != "" {
			return fail("clock running on finished game")
		}
	case StatusActive, StatusCreated:
		if g.Result != "" || g.FinishReason != "" || g.WinnerID != "" || g.FinishedAt != nil {
			return fail("result set on %s game", g.Status)
		}
	default:
		return fail("unknown status %q", g.Status)
	}
	if g.DrawOfferedBy != "" && g.SideOf(g.DrawOfferedBy) == "" {
		return fail("draw offered by non-participant")
	}
	if g.WinnerID != "" && g.SideOf(g.WinnerID) == "" {
		return fail("winner is not a participant")
	}
	if g.Clock.WhiteMs < 0 || g.Clock.BlackMs < 0 {
		return fail("negative clock")
	}
	return nil
}
