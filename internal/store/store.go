package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/park285/cheese-live/internal/game"
	"github.com/park285/cheese-live/pkg/livedto"
)

var (
	ErrNotFound = errors.New("game not found")
	ErrExists   = errors.New("game already exists")
	// ErrConflict means the stored version moved since the game was loaded.
	ErrConflict = errors.New("game version conflict")
	// ErrCorrupt marks stored data that cannot be decoded or does not add up.
	ErrCorrupt = errors.New("stored game is corrupt")
)

// Store persists one snapshot per game plus an append-only move record per
// (game id, ply). Commit is optimistic on Game.Version: the stored version
// must be exactly one behind the committed one.
//
// A commit that finishes a game also records its GameFinished fact in the
// outbox, in the same write.
type Store interface {
	Create(ctx context.Context, g *game.Game) error
	Load(ctx context.Context, id string) (*game.Game, error)
	Commit(ctx context.Context, g *game.Game) error
	// DueForTimeout pages active game ids whose running clock ran out at or before asOf.
	DueForTimeout(ctx context.Context, asOf time.Time, offset, limit int) ([]string, error)
	PendingFinished(ctx context.Context, limit int) ([]livedto.GameFinished, error)
	AckFinished(ctx context.Context, gameID string) error
	Close() error
}

// IsTransient reports whether err is worth retrying as is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrExists) &&
		!errors.Is(err, ErrConflict) && !errors.Is(err, ErrCorrupt) && !errors.Is(err, game.ErrInvariant)
}

// deadlineOf is the instant the running side flags, ok false for games
// that cannot time out.
func deadlineOf(g *game.Game) (time.Time, bool) {
	if g.Terminal() {
		return time.Time{}, false
	}
	return g.Clock.Deadline()
}

// record is the stored snapshot; moves live in their own append-only records.
type record struct {
	game.Game
	Ply int `json:"ply"`
}

func toRecord(g *game.Game) record {
	r := record{Game: *g, Ply: len(g.Moves)}
	r.Moves = nil
	return r
}

func checkCommit(prevVersion int64, prevPly int, g *game.Game) error {
	if g.Version != prevVersion+1 {
		return ErrConflict
	}
	if len(g.Moves) < prevPly {
		return ErrConflict
	}
	return g.CheckInvariants()
}

func sortFinished(list []livedto.GameFinished) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].FinishedAt.Equal(list[j].FinishedAt) {
			return list[i].GameID < list[j].GameID
		}
		return list[i].FinishedAt.Before(list[j].FinishedAt)
	})
}
