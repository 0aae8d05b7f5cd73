package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-live/internal/idempotency"
	"github.com/park285/cheese-live/internal/obslog"
	"github.com/park285/cheese-live/internal/session"
	"github.com/park285/cheese-live/pkg/livedto"
)

// MatchHandler creates the game a MatchFound describes; creating an
// existing game must succeed without changing it.
type MatchHandler interface {
	CreateFromMatch(ctx context.Context, m livedto.MatchFound) (session.Outcome, error)
}

type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	// Block is how long one read waits for new entries.
	Block      time.Duration
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// MatchConsumer reads MatchFound facts from a Redis stream consumer group.
// Entries are acked once handled; a failed entry stays pending and is
// retried from the pending list.
type MatchConsumer struct {
	rdb     redis.UniversalClient
	handler MatchHandler
	claims  idempotency.Store
	cfg     ConsumerConfig
	log     *zap.Logger

	retryPending bool
}

func NewMatchConsumer(rdb redis.UniversalClient, handler MatchHandler, claims idempotency.Store, cfg ConsumerConfig) *MatchConsumer {
	if cfg.Count <= 0 {
		cfg.Count = 50
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if strings.TrimSpace(cfg.Consumer) == "" {
		cfg.Consumer = "live-game"
	}
	return &MatchConsumer{
		rdb:          rdb,
		handler:      handler,
		claims:       claims,
		cfg:          cfg,
		log:          obslog.Or(cfg.Logger),
		retryPending: true,
	}
}

// EnsureGroup creates the consumer group (and the stream) when missing.
func (c *MatchConsumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.cfg.Group, c.cfg.Stream, err)
	}
	return nil
}

// Run consumes until ctx is done.
func (c *MatchConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.log.Info("match_consumer_started",
		zap.String("stream", c.cfg.Stream),
		zap.String("group", c.cfg.Group),
		zap.String("consumer", c.cfg.Consumer),
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		failed, err := c.poll(ctx, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("match_consume_error", zap.Error(err))
		}
		if err != nil || failed > 0 {
			if sleepErr := sleepWithContext(ctx, c.cfg.RetryDelay); sleepErr != nil {
				return nil
			}
		}
	}
}

// Poll handles one batch without waiting for new entries and reports how
// many entries failed.
func (c *MatchConsumer) Poll(ctx context.Context) (int, error) {
	return c.poll(ctx, -1)
}

func (c *MatchConsumer) poll(ctx context.Context, block time.Duration) (int, error) {
	start := ">"
	if c.retryPending {
		start = "0"
		// pending entries are returned at once, never wait on them
		block = -1
	}
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, start},
		Count:    c.cfg.Count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		if c.retryPending {
			c.retryPending = false
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("xreadgroup %s: %w", c.cfg.Stream, err)
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	if c.retryPending && len(msgs) == 0 {
		c.retryPending = false
		return 0, nil
	}
	failed := 0
	for _, msg := range msgs {
		if err := c.handle(ctx, msg); err != nil {
			failed++
			c.log.Warn("match_handle_failed", zap.String("entry_id", msg.ID), zap.Error(err))
		}
	}
	if failed > 0 {
		c.retryPending = true
	} else if c.retryPending && int64(len(msgs)) < c.cfg.Count {
		c.retryPending = false
	}
	return failed, nil
}

func (c *MatchConsumer) handle(ctx context.Context, msg redis.XMessage) error {
	m, err := decodeMatch(msg)
	if err != nil {
		// undecodable entries can never succeed
		c.log.Error("match_decode_failed", zap.String("entry_id", msg.ID), zap.Error(err))
		return c.ack(ctx, msg.ID)
	}
	key := idempotency.Key(c.cfg.Group, m.EventID)
	fresh, err := c.claims.Claim(ctx, key)
	if err != nil {
		return err
	}
	if !fresh {
		c.log.Debug("match_duplicate", zap.String("event_id", m.EventID), zap.String("game_id", m.GameID))
		return c.ack(ctx, msg.ID)
	}
	out, err := c.handler.CreateFromMatch(ctx, m)
	if err != nil {
		if de, ok := session.AsDomainError(err); ok && !de.Retryable {
			c.log.Error("match_rejected",
				zap.String("event_id", m.EventID),
				zap.String("game_id", m.GameID),
				zap.String("code", de.Code),
				zap.String("reason", de.Message),
			)
			return c.ack(ctx, msg.ID)
		}
		// ctx may be the one that just got cancelled
		if relErr := c.claims.Release(context.WithoutCancel(ctx), key); relErr != nil {
			c.log.Warn("match_release_failed", zap.String("event_id", m.EventID), zap.Error(relErr))
		}
		return fmt.Errorf("create game %s: %w", m.GameID, err)
	}
	if err := c.claims.Complete(ctx, key); err != nil {
		// left pending: the redelivery finds the game and completes the claim
		return err
	}
	c.log.Info("match_consumed",
		zap.String("event_id", m.EventID),
		zap.String("game_id", m.GameID),
		zap.Bool("created", out.Changed),
	)
	return c.ack(ctx, msg.ID)
}

func (c *MatchConsumer) ack(ctx context.Context, id string) error {
	if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", id, err)
	}
	return nil
}

func decodeMatch(msg redis.XMessage) (livedto.MatchFound, error) {
	var m livedto.MatchFound
	raw, ok := msg.Values[fieldData].(string)
	if !ok {
		return m, fmt.Errorf("entry %s has no %s field", msg.ID, fieldData)
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, fmt.Errorf("decode match: %w", err)
	}
	if t, _ := msg.Values[fieldType].(string); t != "" && t != livedto.EventMatchFound {
		return m, fmt.Errorf("unexpected event type %q", t)
	}
	if m.EventID == "" {
		if id, _ := msg.Values[fieldID].(string); id != "" {
			m.EventID = id
		} else {
			m.EventID = msg.ID
		}
	}
	return m, nil
}
