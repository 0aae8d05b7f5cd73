package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/cheese-live/pkg/livedto"
)

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Termination is the automatic game end detected after a move, if any.
type Termination string

const (
	NoTermination        Termination = ""
	Checkmate            Termination = "CHECKMATE"
	Stalemate            Termination = "STALEMATE"
	InsufficientMaterial Termination = "INSUFFICIENT_MATERIAL"
	ThreefoldRepetition  Termination = "THREEFOLD_REPETITION"
	FiftyMoveRule        Termination = "FIFTY_MOVE_RULE"
)

// Position is a game position expressed as the move history that produced it.
// StartFEN empty means the standard initial position.
type Position struct {
	StartFEN string
	Moves    []string
}

// Verdict describes an accepted move.
type Verdict struct {
	UCI         string
	SAN         string
	FEN         string
	Termination Termination
}

// MoveError is a rejection; Code is one of the livedto rejection codes.
type MoveError struct {
	Code   string
	Reason string
}

func (e *MoveError) Error() string { return e.Code + ": " + e.Reason }

var uciPattern = regexp.MustCompile(`^[a-h][1-8][a-h][1-8][qrbn]?$`)

// fifty-move rule counts half-moves
const fiftyMoveHalfmoves = 100

// SideToMove derives the side to move from a ply count for games started from the initial position.
func SideToMove(ply int) Color {
	if ply%2 == 0 {
		return White
	}
	return Black
}

// Replay rebuilds a library game from the history. A nil game means the history is corrupt.
func Replay(p Position) (*nchess.Game, error) {
	game, err := newGame(p.StartFEN)
	if err != nil {
		return nil, err
	}
	for i, mv := range p.Moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay ply %d (%s): %w", i, mv, err)
		}
	}
	return game, nil
}

func newGame(startFEN string) (*nchess.Game, error) {
	if strings.TrimSpace(startFEN) == "" {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(startFEN)
	if err != nil {
		return nil, fmt.Errorf("start fen: %w", err)
	}
	return nchess.NewGame(opt), nil
}

// FEN returns the encoded position after the history.
func FEN(p Position) (string, error) {
	game, err := Replay(p)
	if err != nil {
		return "", err
	}
	return game.Position().String(), nil
}

// Turn returns the side to move after the history.
func Turn(p Position) (Color, error) {
	game, err := Replay(p)
	if err != nil {
		return "", err
	}
	return colorFrom(game.Position().Turn()), nil
}

// Validate checks uci for side against the position and returns the resulting position.
// It never mutates p.
func Validate(p Position, uci string, side Color) (*Verdict, error) {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if !uciPattern.MatchString(uci) {
		return nil, &MoveError{Code: livedto.CodeMalformedMove, Reason: fmt.Sprintf("malformed coordinate move %q", uci)}
	}
	game, err := Replay(p)
	if err != nil {
		return nil, err
	}
	pos := game.Position()
	if colorFrom(pos.Turn()) != side {
		return nil, &MoveError{Code: livedto.CodeNotYourTurn, Reason: fmt.Sprintf("%s to move", colorFrom(pos.Turn()))}
	}
	if !isValidMove(game, uci) {
		return nil, &MoveError{Code: livedto.CodeIllegalMove, Reason: fmt.Sprintf("illegal move %s", uci)}
	}
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return nil, &MoveError{Code: livedto.CodeIllegalMove, Reason: fmt.Sprintf("illegal move %s", uci)}
	}
	last := lastMove(game)
	if last == nil {
		return nil, &MoveError{Code: livedto.CodeIllegalMove, Reason: fmt.Sprintf("illegal move %s", uci)}
	}
	v := &Verdict{
		UCI: uci,
		SAN: nchess.AlgebraicNotation{}.Encode(pos, last),
		FEN: game.Position().String(),
	}
	v.Termination = terminationOf(game, v)
	return v, nil
}

func isValidMove(game *nchess.Game, uci string) bool {
	for _, mv := range game.ValidMoves() {
		if mv.String() == uci {
			return true
		}
	}
	return false
}

// terminationOf folds the library's automatic outcomes together with the
// repetition and fifty-move draws, which are applied without a claim here.
func terminationOf(game *nchess.Game, v *Verdict) Termination {
	switch game.Method() {
	case nchess.Checkmate:
		return Checkmate
	case nchess.Stalemate:
		return Stalemate
	case nchess.InsufficientMaterial:
		return InsufficientMaterial
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return ThreefoldRepetition
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return FiftyMoveRule
	}
	if len(game.ValidMoves()) == 0 {
		if strings.HasSuffix(v.SAN, "#") {
			return Checkmate
		}
		return Stalemate
	}
	if insufficient(v.FEN) {
		return InsufficientMaterial
	}
	if repetitions(game) >= 3 {
		return ThreefoldRepetition
	}
	if halfmoveClock(v.FEN) >= fiftyMoveHalfmoves {
		return FiftyMoveRule
	}
	return NoTermination
}

func insufficient(fen string) bool {
	w, err := HasMatingMaterial(fen, White)
	if err != nil {
		return false
	}
	b, err := HasMatingMaterial(fen, Black)
	if err != nil {
		return false
	}
	return !w && !b
}

// repetitions counts how often the current position occurred, comparing
// placement, side to move, castling rights and en passant square.
func repetitions(game *nchess.Game) int {
	positions := game.Positions()
	if len(positions) == 0 {
		return 0
	}
	current := repetitionKey(positions[len(positions)-1].String())
	n := 0
	for _, p := range positions {
		if repetitionKey(p.String()) == current {
			n++
		}
	}
	return n
}

func repetitionKey(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}

func halfmoveClock(fen string) int {
	fields := strings.Fields(fen)
	if len(fields) < 5 {
		return 0
	}
	n, err := strconv.Atoi(fields[4])
	if err != nil {
		return 0
	}
	return n
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func colorFrom(c nchess.Color) Color {
	if c == nchess.White {
		return White
	}
	return Black
}
