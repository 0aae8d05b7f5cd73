package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-live/internal/game"
	"github.com/park285/cheese-live/internal/obslog"
	"github.com/park285/cheese-live/internal/store"
	"github.com/park285/cheese-live/pkg/livedto"
)

// Broadcaster fans committed transitions out to a game's viewers. Called
// inside the game's serialization, so events arrive in commit order.
type Broadcaster interface {
	Broadcast(gameID string, events ...livedto.Event)
}

// Nudger is poked after a game finishes so the outbox drains promptly.
type Nudger interface {
	Nudge()
}

type Config struct {
	// CommitRetries bounds retries of transient persistence failures.
	CommitRetries int
	RetryBase     time.Duration
	// ConflictRetries bounds re-runs after another writer won the version race.
	ConflictRetries int
	// Classify names the time-control class when a match does not carry one.
	Classify func(baseSeconds, incrementSeconds int) string
	Now      func() time.Time
	Logger   *zap.Logger
}

// Outcome is what a caller learns about its operation.
type Outcome struct {
	State livedto.GameState
	// Move is the ply appended by this operation, if any.
	Move *livedto.Move
	// Stale marks an operation that reached an already finished game.
	Stale   bool
	Changed bool
}

type Coordinator struct {
	store store.Store
	locks *KeyLock
	hub   Broadcaster
	relay Nudger
	cfg   Config
	log   *zap.Logger
}

func NewCoordinator(st store.Store, hub Broadcaster, relay Nudger, cfg Config) *Coordinator {
	if cfg.CommitRetries < 0 {
		cfg.CommitRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		store: st,
		locks: NewKeyLock(),
		hub:   hub,
		relay: relay,
		cfg:   cfg,
		log:   obslog.Or(cfg.Logger),
	}
}

// CreateFromMatch creates the game a MatchFound fact describes. Creating an
// existing game returns it unchanged.
func (c *Coordinator) CreateFromMatch(ctx context.Context, m livedto.MatchFound) (Outcome, error) {
	id := strings.TrimSpace(m.GameID)
	if id == "" {
		return Outcome{}, invalid("gameId required")
	}
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	class := strings.ToLower(strings.TrimSpace(m.TimeControlType))
	if class == "" && c.cfg.Classify != nil {
		class = c.cfg.Classify(m.BaseSeconds, m.IncrementSeconds)
	}
	now := c.cfg.Now()
	g, err := game.New(game.Setup{
		ID:               id,
		WhiteID:          m.WhitePlayerID,
		BlackID:          m.BlackPlayerID,
		BaseSeconds:      m.BaseSeconds,
		IncrementSeconds: m.IncrementSeconds,
		Class:            class,
		Rated:            m.Rated,
	}, now)
	if err != nil {
		return Outcome{}, invalid(err.Error())
	}
	err = c.retry(ctx, "create", id, func() error { return c.store.Create(ctx, g) })
	if errors.Is(err, store.ErrExists) {
		cur, lerr := c.load(ctx, id)
		if lerr != nil {
			return Outcome{}, lerr
		}
		return Outcome{State: cur.State(now)}, nil
	}
	if err != nil {
		return Outcome{}, unavailable(err)
	}
	c.log.Info("game_create",
		zap.String("game_id", id),
		zap.String("white_id", g.WhiteID),
		zap.String("black_id", g.BlackID),
		zap.Int("base_seconds", m.BaseSeconds),
		zap.Int("increment_seconds", m.IncrementSeconds),
		zap.String("class", class),
	)
	st := g.State(now)
	if c.hub != nil {
		c.hub.Broadcast(id, livedto.GameStateEvent{GameState: st})
	}
	return Outcome{State: st, Changed: true}, nil
}

// State returns the committed snapshot; finished games answer with their result.
func (c *Coordinator) State(ctx context.Context, gameID string) (livedto.GameState, error) {
	g, err := c.load(ctx, gameID)
	if err != nil {
		return livedto.GameState{}, err
	}
	return g.State(c.cfg.Now()), nil
}

func (c *Coordinator) Clocks(ctx context.Context, gameID string) (livedto.Clocks, error) {
	g, err := c.load(ctx, gameID)
	if err != nil {
		return livedto.Clocks{}, err
	}
	return g.Clocks(c.cfg.Now()), nil
}

func (c *Coordinator) Move(ctx context.Context, gameID, actor, uci string) (Outcome, error) {
	return c.mutate(ctx, gameID, "move", func(g *game.Game, now time.Time) (*game.Game, game.Change, error) {
		return g.ApplyMove(actor, uci, now)
	})
}

func (c *Coordinator) Resign(ctx context.Context, gameID, actor string) (Outcome, error) {
	return c.mutate(ctx, gameID, "resign", func(g *game.Game, now time.Time) (*game.Game, game.Change, error) {
		return g.Resign(actor, now)
	})
}

func (c *Coordinator) OfferDraw(ctx context.Context, gameID, actor string) (Outcome, error) {
	return c.mutate(ctx, gameID, "offer_draw", func(g *game.Game, now time.Time) (*game.Game, game.Change, error) {
		return g.OfferDraw(actor, now)
	})
}

func (c *Coordinator) AcceptDraw(ctx context.Context, gameID, actor string) (Outcome, error) {
	return c.mutate(ctx, gameID, "accept_draw", func(g *game.Game, now time.Time) (*game.Game, game.Change, error) {
		return g.AcceptDraw(actor, now)
	})
}

func (c *Coordinator) DeclineDraw(ctx context.Context, gameID, actor string) (Outcome, error) {
	return c.mutate(ctx, gameID, "decline_draw", func(g *game.Game, now time.Time) (*game.Game, game.Change, error) {
		return g.DeclineDraw(actor, now)
	})
}

func (c *Coordinator) Abort(ctx context.Context, gameID, actor string) (Outcome, error) {
	return c.mutate(ctx, gameID, "abort", func(g *game.Game, now time.Time) (*game.Game, game.Change, error) {
		return g.Abort(actor, now)
	})
}

// Timeout is the system-initiated flag check, queued like any player command.
func (c *Coordinator) Timeout(ctx context.Context, gameID string) (Outcome, error) {
	return c.mutate(ctx, gameID, "timeout", func(g *game.Game, now time.Time) (*game.Game, game.Change, error) {
		return g.Timeout(now)
	})
}

// Attach runs subscribe with the current snapshot inside the game's
// serialization, so a viewer registered there sees the snapshot before any
// later transition.
func (c *Coordinator) Attach(ctx context.Context, gameID string, subscribe func(livedto.GameState) error) error {
	unlock, err := c.locks.Lock(ctx, gameID)
	if err != nil {
		return err
	}
	defer unlock()
	g, err := c.load(ctx, gameID)
	if err != nil {
		return err
	}
	return subscribe(g.State(c.cfg.Now()))
}

type operation func(g *game.Game, now time.Time) (*game.Game, game.Change, error)

func (c *Coordinator) mutate(ctx context.Context, gameID, name string, op operation) (Outcome, error) {
	unlock, err := c.locks.Lock(ctx, gameID)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		g, err := c.load(ctx, gameID)
		if err != nil {
			return Outcome{}, err
		}
		now := c.cfg.Now()
		next, ch, err := op(g, now)
		if err != nil {
			var rej *game.Rejection
			if errors.As(err, &rej) {
				return Outcome{}, rej
			}
			return Outcome{}, unavailable(err)
		}
		if !ch.Changed() {
			return Outcome{State: next.State(now), Stale: ch.Stale}, nil
		}
		err = c.commit(ctx, name, next)
		if errors.Is(err, store.ErrConflict) && attempt < c.cfg.ConflictRetries {
			c.log.Warn("game_commit_conflict", zap.String("game_id", gameID), zap.String("op", name), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			c.log.Error("game_commit_error", zap.String("game_id", gameID), zap.String("op", name), zap.Error(err))
			return Outcome{}, unavailable(err)
		}
		st := next.State(now)
		c.publish(next, ch, st)
		out := Outcome{State: st, Changed: true}
		if ch.Move != nil {
			mv := ch.Move.DTO()
			out.Move = &mv
		}
		return out, nil
	}
}

// commit persists next, retrying transient failures with exponential backoff.
// A retry that finds the version already stored means an earlier attempt
// landed after reporting failure.
func (c *Coordinator) commit(ctx context.Context, name string, next *game.Game) error {
	var lastTransient error
	err := c.retry(ctx, name, next.ID, func() error {
		err := c.store.Commit(ctx, next)
		if store.IsTransient(err) {
			lastTransient = err
		}
		return err
	})
	if errors.Is(err, store.ErrConflict) && lastTransient != nil {
		if cur, lerr := c.store.Load(ctx, next.ID); lerr == nil && sameVersion(cur, next) {
			return nil
		}
	}
	return err
}

func sameVersion(a, b *game.Game) bool {
	return a.Version == b.Version && len(a.Moves) == len(b.Moves) && a.Status == b.Status && a.FEN == b.FEN
}

func (c *Coordinator) retry(ctx context.Context, name, gameID string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !store.IsTransient(err) || attempt >= c.cfg.CommitRetries {
			return err
		}
		c.log.Warn("game_store_retry",
			zap.String("game_id", gameID),
			zap.String("op", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDuration(c.cfg.RetryBase, attempt)):
		}
	}
}

func backoffDuration(base time.Duration, attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return base * time.Duration(1<<attempt)
}

func (c *Coordinator) load(ctx context.Context, gameID string) (*game.Game, error) {
	var g *game.Game
	err := c.retry(ctx, "load", gameID, func() error {
		var err error
		g, err = c.store.Load(ctx, gameID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(gameID)
	}
	if errors.Is(err, store.ErrCorrupt) {
		c.log.Error("game_corrupt", zap.String("game_id", gameID), zap.Error(err))
		de := unavailable(err)
		de.Retryable = false
		return nil, de
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return g, nil
}

func (c *Coordinator) publish(g *game.Game, ch game.Change, st livedto.GameState) {
	var events []livedto.Event
	if ch.Move != nil {
		events = append(events, livedto.MovePlayedEvent{
			Move:       ch.Move.DTO(),
			Clocks:     st.Clocks,
			SideToMove: st.SideToMove,
		})
		c.log.Info("game_move",
			zap.String("game_id", g.ID),
			zap.Int("ply", ch.Move.Ply),
			zap.String("uci", ch.Move.UCI),
			zap.String("san", ch.Move.SAN),
			zap.String("played_by", ch.Move.PlayedBy),
		)
	}
	if ch.DrawOffered != "" {
		events = append(events, livedto.DrawOfferedEvent{By: ch.DrawOffered})
	}
	if ch.DrawDeclined != "" {
		events = append(events, livedto.DrawDeclinedEvent{By: ch.DrawDeclined})
	}
	if ch.Finished {
		events = append(events,
			livedto.GameStateEvent{GameState: st},
			livedto.GameFinishedEvent{Result: st.Result, Reason: st.FinishReason, WinnerID: st.WinnerID},
		)
		c.log.Info("game_finish",
			zap.String("game_id", g.ID),
			zap.String("result", st.Result),
			zap.String("reason", st.FinishReason),
			zap.String("winner_id", st.WinnerID),
			zap.Int("ply", st.Ply),
		)
	}
	if c.hub != nil && len(events) > 0 {
		c.hub.Broadcast(g.ID, events...)
	}
	if ch.Finished && c.relay != nil {
		c.relay.Nudge()
	}
}

func notFound(gameID string) livedto.DomainError {
	return livedto.DomainError{Code: livedto.CodeGameNotFound, Message: fmt.Sprintf("game %s not found", gameID)}
}

func unavailable(err error) livedto.DomainError {
	return livedto.DomainError{Code: livedto.CodeUnavailable, Message: err.Error(), Retryable: true}
}

func invalid(msg string) livedto.DomainError {
	return livedto.DomainError{Code: livedto.CodeInvalidRequest, Message: msg}
}

// AsDomainError extracts the caller-facing error from anything the
// coordinator returns.
func AsDomainError(err error) (livedto.DomainError, bool) {
	var rej *game.Rejection
	if errors.As(err, &rej) {
		return rej.DomainError, true
	}
	var de livedto.DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return livedto.DomainError{}, false
}
