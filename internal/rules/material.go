package rules

import (
	nchess "github.com/corentings/chess/v2"
)

type material struct {
	heavyOrPawn  bool
	knights      int
	lightBishops int
	darkBishops  int
}

func (m material) bare() bool {
	return !m.heavyOrPawn && m.knights == 0 && m.lightBishops == 0 && m.darkBishops == 0
}

func (m material) bishops() int { return m.lightBishops + m.darkBishops }

// HasMatingMaterial reports whether side could ever deliver checkmate in the
// position, given the most cooperative play by the opponent.
//
// A lone minor piece mates only when the opponent has something to block
// with. Bishops confined to one square color never mate unless the opponent
// owns a piece that can stand on the other color.
func HasMatingMaterial(fen string, side Color) (bool, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return false, err
	}
	board := nchess.NewGame(opt).Position().Board()
	own, opp := countMaterial(board, side), countMaterial(board, side.Opponent())

	if own.heavyOrPawn {
		return true, nil
	}
	minors := own.knights + own.bishops()
	if minors == 0 {
		return false, nil
	}
	if own.knights >= 2 || (own.knights > 0 && own.bishops() > 0) {
		return true, nil
	}
	if own.knights == 1 {
		return !opp.bare(), nil
	}
	// bishops only
	if own.lightBishops > 0 && own.darkBishops > 0 {
		return true, nil
	}
	if opp.heavyOrPawn || opp.knights > 0 {
		return true, nil
	}
	ownLight := own.lightBishops > 0
	if ownLight {
		return opp.darkBishops > 0, nil
	}
	return opp.lightBishops > 0, nil
}

func countMaterial(board *nchess.Board, side Color) material {
	var m material
	want := nchess.White
	if side == Black {
		want = nchess.Black
	}
	for sq, pc := range board.SquareMap() {
		if pc.Color() != want {
			continue
		}
		switch pc.Type() {
		case nchess.Queen, nchess.Rook, nchess.Pawn:
			m.heavyOrPawn = true
		case nchess.Knight:
			m.knights++
		case nchess.Bishop:
			if lightSquare(sq) {
				m.lightBishops++
			} else {
				m.darkBishops++
			}
		}
	}
	return m
}

// a1 is dark
func lightSquare(sq nchess.Square) bool {
	return (int(sq.File())+int(sq.Rank()))%2 == 1
}
