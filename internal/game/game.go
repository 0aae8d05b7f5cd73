package game

import (
	"errors"
	"fmt"
	"time"

	"github.com/park285/cheese-live/internal/rules"
	"github.com/park285/cheese-live/pkg/livedto"
)

// Change describes what an operation did. A mating move sets both Move and
// Finished; a zero Change means nothing happened.
type Change struct {
	Move         *Move
	DrawOffered  string
	DrawDeclined string
	Finished     bool
	// Stale is set when the game was already finished before the operation.
	Stale bool
}

// Changed reports whether the operation produced a new version.
func (c Change) Changed() bool {
	return c.Move != nil || c.DrawOffered != "" || c.DrawDeclined != "" || c.Finished
}

// ApplyMove plays uci for actor at now. The receiver is not modified; the
// returned game is a new version when Change.Changed() is true.
func (g *Game) ApplyMove(actor, uci string, now time.Time) (*Game, Change, error) {
	if g.Terminal() {
		return g, Change{Stale: true}, nil
	}
	side := g.SideOf(actor)
	if side == "" {
		return nil, Change{}, reject(livedto.CodeNotAParticipant, "%s is not playing this game", actor)
	}
	if next, ch, flagged := g.flagFall(now); flagged {
		return next, ch, nil
	}
	if turn := g.SideToMove(); side != turn {
		return nil, Change{}, reject(livedto.CodeNotYourTurn, "%s to move", turn)
	}
	v, err := rules.Validate(g.position(), uci, side)
	if err != nil {
		var me *rules.MoveError
		if errors.As(err, &me) {
			return nil, Change{}, reject(me.Code, "%s", me.Reason)
		}
		return nil, Change{}, fmt.Errorf("validate move: %w", err)
	}

	next := g.bump(now)
	mv := Move{
		Ply:      len(g.Moves),
		UCI:      v.UCI,
		SAN:      v.SAN,
		FEN:      v.FEN,
		PlayedBy: g.PlayerOf(side),
		PlayedAt: now,
	}
	next.Moves = append(next.Moves, mv)
	next.FEN = v.FEN
	next.DrawOfferedBy = ""
	next.Clock = g.Clock.Punch(side, now)

	ch := Change{Move: &mv}
	switch v.Termination {
	case rules.NoTermination:
	case rules.Checkmate:
		next.finish(now, ReasonCheckmate, winsFor(side), g.PlayerOf(side))
		ch.Finished = true
	default:
		next.finish(now, FinishReason(v.Termination), Draw, "")
		ch.Finished = true
	}
	return next, ch, nil
}

// Resign ends the game in the opponent's favour.
func (g *Game) Resign(actor string, now time.Time) (*Game, Change, error) {
	if g.Terminal() {
		return g, Change{Stale: true}, nil
	}
	side := g.SideOf(actor)
	if side == "" {
		return nil, Change{}, reject(livedto.CodeNotAParticipant, "%s is not playing this game", actor)
	}
	if next, ch, flagged := g.flagFall(now); flagged {
		return next, ch, nil
	}
	next := g.bump(now)
	winner := side.Opponent()
	next.finish(now, ReasonResign, winsFor(winner), g.PlayerOf(winner))
	return next, Change{Finished: true}, nil
}

// OfferDraw records actor's offer, or ends the game when the opponent
// already has an offer outstanding. Repeating an own offer is a no-op.
func (g *Game) OfferDraw(actor string, now time.Time) (*Game, Change, error) {
	if g.Terminal() {
		return g, Change{Stale: true}, nil
	}
	side := g.SideOf(actor)
	if side == "" {
		return nil, Change{}, reject(livedto.CodeNotAParticipant, "%s is not playing this game", actor)
	}
	if next, ch, flagged := g.flagFall(now); flagged {
		return next, ch, nil
	}
	switch g.DrawOfferedBy {
	case g.PlayerOf(side):
		return g, Change{}, nil
	case g.PlayerOf(side.Opponent()):
		next := g.bump(now)
		next.finish(now, ReasonDrawAgreement, Draw, "")
		return next, Change{Finished: true}, nil
	}
	next := g.bump(now)
	next.DrawOfferedBy = g.PlayerOf(side)
	return next, Change{DrawOffered: next.DrawOfferedBy}, nil
}

// AcceptDraw ends the game by agreement when the opponent has offered.
func (g *Game) AcceptDraw(actor string, now time.Time) (*Game, Change, error) {
	if g.Terminal() {
		return g, Change{Stale: true}, nil
	}
	side := g.SideOf(actor)
	if side == "" {
		return nil, Change{}, reject(livedto.CodeNotAParticipant, "%s is not playing this game", actor)
	}
	if next, ch, flagged := g.flagFall(now); flagged {
		return next, ch, nil
	}
	if g.DrawOfferedBy == "" || g.DrawOfferedBy != g.PlayerOf(side.Opponent()) {
		return nil, Change{}, reject(livedto.CodeNoDrawOffer, "no draw offer from the opponent")
	}
	next := g.bump(now)
	next.finish(now, ReasonDrawAgreement, Draw, "")
	return next, Change{Finished: true}, nil
}

// DeclineDraw clears the opponent's pending offer.
func (g *Game) DeclineDraw(actor string, now time.Time) (*Game, Change, error) {
	if g.Terminal() {
		return g, Change{Stale: true}, nil
	}
	side := g.SideOf(actor)
	if side == "" {
		return nil, Change{}, reject(livedto.CodeNotAParticipant, "%s is not playing this game", actor)
	}
	if next, ch, flagged := g.flagFall(now); flagged {
		return next, ch, nil
	}
	if g.DrawOfferedBy == "" || g.DrawOfferedBy != g.PlayerOf(side.Opponent()) {
		return nil, Change{}, reject(livedto.CodeNoDrawOffer, "no draw offer from the opponent")
	}
	next := g.bump(now)
	next.DrawOfferedBy = ""
	return next, Change{DrawDeclined: g.PlayerOf(side)}, nil
}

// Abort cancels a game that has not really started: allowed until both
// sides have made their first move.
func (g *Game) Abort(actor string, now time.Time) (*Game, Change, error) {
	if g.Terminal() {
		return g, Change{Stale: true}, nil
	}
	if g.SideOf(actor) == "" {
		return nil, Change{}, reject(livedto.CodeNotAParticipant, "%s is not playing this game", actor)
	}
	if next, ch, flagged := g.flagFall(now); flagged {
		return next, ch, nil
	}
	if len(g.Moves) >= 2 {
		return nil, Change{}, reject(livedto.CodeAbortNotAllowed, "both sides have moved")
	}
	next := g.bump(now)
	next.finish(now, ReasonAborted, NoResult, "")
	return next, Change{Finished: true}, nil
}

// Timeout rules on the running side's flag at now. Nothing changes while
// time remains.
func (g *Game) Timeout(now time.Time) (*Game, Change, error) {
	if g.Terminal() {
		return g, Change{Stale: true}, nil
	}
	next, ch, _ := g.flagFall(now)
	return next, ch, nil
}

// flagFall finishes the game when the running side is out of time. The
// opponent wins unless it could never mate, in which case it is a draw.
func (g *Game) flagFall(now time.Time) (*Game, Change, bool) {
	loser, expired := g.Clock.Expired(now)
	if !expired {
		return g, Change{}, false
	}
	winner := loser.Opponent()
	canMate, err := rules.HasMatingMaterial(g.FEN, winner)
	if err != nil {
		canMate = true
	}
	next := g.bump(now)
	if canMate {
		next.finish(now, ReasonTimeout, winsFor(winner), g.PlayerOf(winner))
	} else {
		next.finish(now, ReasonTimeout, Draw, "")
	}
	return next, Change{Finished: true}, true
}

func (g *Game) bump(now time.Time) *Game {
	next := g.Clone()
	if next.Status == StatusCreated {
		next.Status = StatusActive
	}
	next.UpdatedAt = now
	next.Version = g.Version + 1
	return next
}

func (g *Game) finish(now time.Time, reason FinishReason, result Result, winnerID string) {
	g.Status = StatusFinished
	g.FinishReason = reason
	g.Result = result
	g.WinnerID = winnerID
	g.DrawOfferedBy = ""
	g.Clock = g.Clock.Stop(now)
	at := now
	g.FinishedAt = &at
}

func winsFor(side Color) Result {
	if side == White {
		return WhiteWins
	}
	return BlackWins
}
