package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-live/internal/obslog"
)

// Store records which (consumer, event id) pairs were already handled.
//
// A claim is pending until Complete marks it done. Claim reports true for a
// new key and for a pending one, so a handler that died between Claim and
// Complete is redone on redelivery; the effect it guards must be idempotent.
// Release forgets a claim after a failed handler.
type Store interface {
	Claim(ctx context.Context, key string) (bool, error)
	Complete(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

const (
	statePending = "pending"
	stateDone    = "done"
)

// Key scopes an event id to one consumer.
func Key(consumer, eventID string) string {
	return strings.TrimSpace(consumer) + ":" + strings.TrimSpace(eventID)
}

// Memory is a TTL map for single-process deployments and tests.
type Memory struct {
	mu     sync.Mutex
	claims map[string]memClaim
	ttl    time.Duration
	now    func() time.Time
}

type memClaim struct {
	expires time.Time
	done    bool
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Memory{claims: make(map[string]memClaim), ttl: ttl, now: time.Now}
}

func (m *Memory) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c, ok := m.claims[key]; ok && now.Before(c.expires) {
		return !c.done, nil
	}
	m.claims[key] = memClaim{expires: now.Add(m.ttl)}
	return true, nil
}

func (m *Memory) Complete(_ context.Context, key string) error {
	m.mu.Lock()
	m.claims[key] = memClaim{expires: m.now().Add(m.ttl), done: true}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.claims, key)
	m.mu.Unlock()
	return nil
}

// Purge drops expired claims and returns how many went.
func (m *Memory) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, c := range m.claims {
		if !now.Before(c.expires) {
			delete(m.claims, k)
			n++
		}
	}
	return n
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

// RunJanitor purges expired claims every interval until ctx is done.
func (m *Memory) RunJanitor(ctx context.Context, interval time.Duration, logger *zap.Logger) error {
	log := obslog.Or(logger)
	if interval <= 0 {
		interval = time.Minute
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if n := m.Purge(); n > 0 {
				log.Debug("idempotency_purge", zap.Int("expired", n))
			}
		}),
		gocron.WithName("idempotency-janitor"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	sched.Start()
	<-ctx.Done()
	return sched.Shutdown()
}

// Redis keeps claims as SET NX EX keys so every replica shares them. The
// value is the claim state.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{rdb: rdb, prefix: "live:idem:", ttl: ttl}
}

func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.prefix+key, statePending, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	state, err := r.rdb.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return state != stateDone, nil
}

func (r *Redis) Complete(ctx context.Context, key string) error {
	if err := r.rdb.Set(ctx, r.prefix+key, stateDone, r.ttl).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
