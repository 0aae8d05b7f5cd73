package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/park285/cheese-live/internal/obslog"
	"github.com/park285/cheese-live/pkg/livedto"
)

// Outbox is the store side of the relay: finished facts waiting to go out.
type Outbox interface {
	PendingFinished(ctx context.Context, limit int) ([]livedto.GameFinished, error)
	AckFinished(ctx context.Context, gameID string) error
}

type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
	// RetryMax bounds publish attempts per fact within one drain.
	RetryMax  int
	RetryBase time.Duration
	Logger    *zap.Logger
}

// Relay moves GameFinished facts from the outbox to the publisher. A fact
// is acked only after a successful publish, so a crash in between means a
// redelivery, never a loss.
type Relay struct {
	outbox Outbox
	pub    Publisher
	cfg    RelayConfig
	log    *zap.Logger

	mu    sync.Mutex
	nudge chan struct{}
}

func NewRelay(outbox Outbox, pub Publisher, cfg RelayConfig) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	return &Relay{
		outbox: outbox,
		pub:    pub,
		cfg:    cfg,
		log:    obslog.Or(cfg.Logger),
		nudge:  make(chan struct{}, 1),
	}
}

// Nudge asks for a drain soon. It never blocks.
func (r *Relay) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Drain publishes every pending fact once and returns how many were acked.
// A fact whose publish keeps failing stays in the outbox for the next drain.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, err := r.outbox.PendingFinished(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}
	sent := 0
	for _, fact := range pending {
		env := FinishedEnvelope(fact)
		if err := r.publish(ctx, env); err != nil {
			r.log.Warn("outbox_publish_failed",
				zap.String("game_id", fact.GameID),
				zap.String("event_id", env.ID),
				zap.Error(err),
			)
			continue
		}
		if err := r.outbox.AckFinished(ctx, fact.GameID); err != nil {
			r.log.Warn("outbox_ack_failed", zap.String("game_id", fact.GameID), zap.Error(err))
			continue
		}
		sent++
		r.log.Info("game_finished_published",
			zap.String("game_id", fact.GameID),
			zap.String("result", fact.Result),
			zap.String("reason", fact.FinishReason),
		)
	}
	return sent, nil
}

func (r *Relay) publish(ctx context.Context, env livedto.BusEnvelope) error {
	var err error
	for attempt := 0; attempt < r.cfg.RetryMax; attempt++ {
		if err = r.pub.Publish(ctx, env); err == nil {
			return nil
		}
		if attempt == r.cfg.RetryMax-1 {
			break
		}
		if sleepErr := sleepWithContext(ctx, r.cfg.RetryBase*time.Duration(1<<min(attempt, 6))); sleepErr != nil {
			return err
		}
	}
	return err
}

// Run drains on every interval and whenever nudged, until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(r.cfg.Interval),
		gocron.NewTask(func() { r.drainLogged(ctx) }),
		gocron.WithName("outbox-relay"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule relay: %w", err)
	}
	sched.Start()
	r.drainLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return sched.Shutdown()
		case <-r.nudge:
			r.drainLogged(ctx)
		}
	}
}

func (r *Relay) drainLogged(ctx context.Context) {
	if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("outbox_drain_failed", zap.Error(err))
	}
}
