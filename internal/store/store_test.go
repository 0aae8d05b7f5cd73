package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-live/internal/game"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb)
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  newTestRedis(t),
	}
}

func newGame(t *testing.T, id string, base int) *game.Game {
	t.Helper()
	g, err := game.New(game.Setup{ID: id, WhiteID: "w", BlackID: "b", BaseSeconds: base, Class: "blitz"}, t0)
	if err != nil {
		t.Fatalf("game.New: %v", err)
	}
	return g
}

func move(t *testing.T, g *game.Game, actor, uci string, at time.Time) *game.Game {
	t.Helper()
	next, _, err := g.ApplyMove(actor, uci, at)
	if err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	return next
}

func TestStore_CreateLoadCommit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := newGame(t, "g1", 60)
			if err := s.Create(ctx, g); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := s.Create(ctx, g); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate Create: %v", err)
			}
			if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load missing: %v", err)
			}

			g1 := move(t, g, "w", "e2e4", t0.Add(time.Second))
			if err := s.Commit(ctx, g1); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			g2 := move(t, g1, "b", "e7e5", t0.Add(2*time.Second))
			if err := s.Commit(ctx, g2); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			loaded, err := s.Load(ctx, "g1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Version != g2.Version || len(loaded.Moves) != 2 || loaded.FEN != g2.FEN {
				t.Fatalf("loaded v%d with %d moves", loaded.Version, len(loaded.Moves))
			}
			if loaded.Moves[1].SAN != "e5" || loaded.Moves[1].Ply != 1 {
				t.Fatalf("unexpected move record %+v", loaded.Moves[1])
			}
			if got := loaded.Clocks(t0.Add(2 * time.Second)); got.WhiteMs != 59_000 {
				t.Fatalf("clock not persisted: %+v", got)
			}
		})
	}
}

func TestStore_CommitConflict(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := newGame(t, "g1", 60)
			if err := s.Create(ctx, g); err != nil {
				t.Fatalf("Create: %v", err)
			}
			a := move(t, g, "w", "e2e4", t0.Add(time.Second))
			b := move(t, g, "w", "d2d4", t0.Add(time.Second))
			if err := s.Commit(ctx, a); err != nil {
				t.Fatalf("Commit a: %v", err)
			}
			if err := s.Commit(ctx, b); !errors.Is(err, ErrConflict) {
				t.Fatalf("Commit b: expected ErrConflict, got %v", err)
			}
			loaded, _ := s.Load(ctx, "g1")
			if loaded.Moves[0].UCI != "e2e4" {
				t.Fatalf("losing commit leaked: %+v", loaded.Moves)
			}
		})
	}
}

func TestStore_DueForTimeout(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, tc := range []struct {
				id   string
				base int
			}{{"fast", 10}, {"mid", 20}, {"slow", 600}} {
				if err := s.Create(ctx, newGame(t, tc.id, tc.base)); err != nil {
					t.Fatalf("Create: %v", err)
				}
			}
			due, err := s.DueForTimeout(ctx, t0.Add(30*time.Second), 0, 10)
			if err != nil {
				t.Fatalf("DueForTimeout: %v", err)
			}
			if len(due) != 2 || due[0] != "fast" || due[1] != "mid" {
				t.Fatalf("due = %v", due)
			}
			page, _ := s.DueForTimeout(ctx, t0.Add(30*time.Second), 1, 1)
			if len(page) != 1 || page[0] != "mid" {
				t.Fatalf("page = %v", page)
			}

			g, _ := s.Load(ctx, "fast")
			done, _, _ := g.Timeout(t0.Add(11 * time.Second))
			if err := s.Commit(ctx, done); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			due, _ = s.DueForTimeout(ctx, t0.Add(30*time.Second), 0, 10)
			if len(due) != 1 || due[0] != "mid" {
				t.Fatalf("finished game still due: %v", due)
			}
		})
	}
}

func TestStore_Outbox(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := newGame(t, "g1", 60)
			if err := s.Create(ctx, g); err != nil {
				t.Fatalf("Create: %v", err)
			}
			pending, _ := s.PendingFinished(ctx, 10)
			if len(pending) != 0 {
				t.Fatalf("outbox not empty: %v", pending)
			}
			done, _, _ := g.Resign("b", t0.Add(time.Second))
			if err := s.Commit(ctx, done); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			pending, err := s.PendingFinished(ctx, 10)
			if err != nil {
				t.Fatalf("PendingFinished: %v", err)
			}
			if len(pending) != 1 || pending[0].EventID != "g1:finished" || pending[0].WinnerID != "w" {
				t.Fatalf("pending = %+v", pending)
			}
			if err := s.AckFinished(ctx, "g1"); err != nil {
				t.Fatalf("AckFinished: %v", err)
			}
			pending, _ = s.PendingFinished(ctx, 10)
			if len(pending) != 0 {
				t.Fatalf("acked entry still pending: %v", pending)
			}
		})
	}
}

func TestRedis_FinishedTTL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedis(rdb)
	s.FinishedTTL = time.Hour
	ctx := context.Background()
	g := newGame(t, "g1", 60)
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ttl := mr.TTL(gameKey("g1")); ttl != 0 {
		t.Fatalf("active game has ttl %v", ttl)
	}
	done, _, _ := g.Resign("w", t0.Add(time.Second))
	if err := s.Commit(ctx, done); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ttl := mr.TTL(gameKey("g1")); ttl != time.Hour {
		t.Fatalf("finished game ttl = %v", ttl)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(ErrConflict) || IsTransient(ErrNotFound) || IsTransient(nil) || IsTransient(context.Canceled) ||
		IsTransient(fmt.Errorf("%w: decode game g1: eof", ErrCorrupt)) {
		t.Fatalf("non-transient errors classified as transient")
	}
	if !IsTransient(errors.New("connection reset")) {
		t.Fatalf("io error should be transient")
	}
}

func TestRedis_LoadCorruptIsNotTransient(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	g := newGame(t, "g1", 60)
	if err := r.Create(ctx, g); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Commit(ctx, move(t, g, "w", "e2e4", t0.Add(time.Second))); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// move records lost behind the snapshot's back
	if err := r.rdb.Del(ctx, movesKey("g1")).Err(); err != nil {
		t.Fatalf("del: %v", err)
	}
	_, err := r.Load(ctx, "g1")
	if !errors.Is(err, ErrCorrupt) || IsTransient(err) {
		t.Fatalf("missing moves: %v", err)
	}

	if err := r.rdb.Set(ctx, gameKey("g1"), "{", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, err = r.Load(ctx, "g1")
	if !errors.Is(err, ErrCorrupt) || IsTransient(err) {
		t.Fatalf("undecodable snapshot: %v", err)
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, err := parseRedisURL("redis://:secret@cache:6380/2")
	if err != nil {
		t.Fatalf("parseRedisURL: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := parseRedisURL("http://cache"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
