package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-live/internal/game"
	"github.com/park285/cheese-live/pkg/livedto"
)

const (
	keyDeadlines = "live:deadlines"
	keyOutbox    = "live:outbox"
)

func gameKey(id string) string  { return "live:game:" + strings.TrimSpace(id) }
func movesKey(id string) string { return "live:game:" + strings.TrimSpace(id) + ":moves" }

// OpenRedis parses REDIS_URL and pings the server.
func OpenRedis(ctx context.Context, raw string) (*redis.Client, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("REDIS_URL required")
	}
	opts, err := parseRedisURL(raw)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}

// Redis keeps each game as a JSON snapshot, its moves as an RPUSH list, the
// running deadlines in a sorted set and unpublished finished facts in a hash.
type Redis struct {
	rdb *redis.Client
	// FinishedTTL expires finished games; zero keeps them.
	FinishedTTL time.Duration
}

func NewRedis(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

func (r *Redis) Create(ctx context.Context, g *game.Game) error {
	if err := g.CheckInvariants(); err != nil {
		return err
	}
	raw, err := json.Marshal(toRecord(g))
	if err != nil {
		return err
	}
	k := gameKey(g.ID)
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, raw, 0)
			pipe.Del(ctx, movesKey(g.ID))
			if err := queueMoves(ctx, pipe, g.ID, g.Moves); err != nil {
				return err
			}
			queueDeadline(ctx, pipe, g)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (r *Redis) Load(ctx context.Context, id string) (*game.Game, error) {
	raw, err := r.rdb.Get(ctx, gameKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode game %s: %v", ErrCorrupt, id, err)
	}
	var items []string
	if rec.Ply > 0 {
		items, err = r.rdb.LRange(ctx, movesKey(id), 0, int64(rec.Ply)-1).Result()
		if err != nil {
			return nil, err
		}
	}
	if len(items) != rec.Ply {
		return nil, fmt.Errorf("%w: game %s: %d moves recorded, snapshot says %d", ErrCorrupt, id, len(items), rec.Ply)
	}
	g := rec.Game
	g.Moves = make([]game.Move, len(items))
	for i, it := range items {
		if err := json.Unmarshal([]byte(it), &g.Moves[i]); err != nil {
			return nil, fmt.Errorf("%w: decode move %d of %s: %v", ErrCorrupt, i, id, err)
		}
	}
	return &g, nil
}

func (r *Redis) Commit(ctx context.Context, g *game.Game) error {
	k := gameKey(g.ID)
	raw, err := json.Marshal(toRecord(g))
	if err != nil {
		return err
	}
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var prev record
		if err := json.Unmarshal(cur, &prev); err != nil {
			return fmt.Errorf("%w: decode game %s: %v", ErrCorrupt, g.ID, err)
		}
		if err := checkCommit(prev.Version, prev.Ply, g); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := time.Duration(0)
			if g.Terminal() {
				ttl = r.FinishedTTL
			}
			pipe.Set(ctx, k, raw, ttl)
			if err := queueMoves(ctx, pipe, g.ID, g.Moves[prev.Ply:]); err != nil {
				return err
			}
			if ttl > 0 {
				pipe.Expire(ctx, movesKey(g.ID), ttl)
			}
			queueDeadline(ctx, pipe, g)
			if fact, done := g.Finished(); done {
				b, err := json.Marshal(fact)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, keyOutbox, g.ID, b)
			}
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func queueMoves(ctx context.Context, pipe redis.Pipeliner, id string, moves []game.Move) error {
	if len(moves) == 0 {
		return nil
	}
	vals := make([]any, len(moves))
	for i, m := range moves {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		vals[i] = b
	}
	pipe.RPush(ctx, movesKey(id), vals...)
	return nil
}

func queueDeadline(ctx context.Context, pipe redis.Pipeliner, g *game.Game) {
	if dl, ok := deadlineOf(g); ok {
		pipe.ZAdd(ctx, keyDeadlines, redis.Z{Score: float64(dl.UnixMilli()), Member: g.ID})
		return
	}
	pipe.ZRem(ctx, keyDeadlines, g.ID)
}

func (r *Redis) DueForTimeout(ctx context.Context, asOf time.Time, offset, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.rdb.ZRangeByScore(ctx, keyDeadlines, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(asOf.UnixMilli(), 10),
		Offset: int64(offset),
		Count:  int64(limit),
	}).Result()
}

func (r *Redis) PendingFinished(ctx context.Context, limit int) ([]livedto.GameFinished, error) {
	all, err := r.rdb.HGetAll(ctx, keyOutbox).Result()
	if err != nil {
		return nil, err
	}
	out := make([]livedto.GameFinished, 0, len(all))
	for id, raw := range all {
		var f livedto.GameFinished
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("%w: decode outbox entry %s: %v", ErrCorrupt, id, err)
		}
		out = append(out, f)
	}
	sortFinished(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Redis) AckFinished(ctx context.Context, gameID string) error {
	return r.rdb.HDel(ctx, keyOutbox, gameID).Err()
}

// Close is a no-op: the client is shared and owned by the caller.
func (r *Redis) Close() error { return nil }
