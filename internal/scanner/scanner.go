package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/park285/cheese-live/internal/obslog"
	"github.com/park285/cheese-live/internal/session"
)

// DueSource lists games whose running clock has run out.
type DueSource interface {
	DueForTimeout(ctx context.Context, asOf time.Time, offset, limit int) ([]string, error)
}

// Timeouter rules on a single game's flag through the game's serialization.
type Timeouter interface {
	Timeout(ctx context.Context, gameID string) (session.Outcome, error)
}

type Config struct {
	Interval time.Duration
	PageSize int
	MaxPages int
	Now      func() time.Time
	Logger   *zap.Logger
}

// Report summarises one sweep.
type Report struct {
	Candidates int
	Finished   int
	Failed     int
}

// Scanner finds expired clocks so games end even when nobody acts.
type Scanner struct {
	due   DueSource
	coord Timeouter
	cfg   Config
	log   *zap.Logger
}

func New(due DueSource, coord Timeouter, cfg Config) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scanner{due: due, coord: coord, cfg: cfg, log: obslog.Or(cfg.Logger)}
}

// Sweep submits a timeout check for every candidate due at the start of
// the sweep. A failed candidate is logged and left for the next sweep.
func (s *Scanner) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	asOf := s.cfg.Now()
	offset := 0
	for page := 0; page < s.cfg.MaxPages; page++ {
		ids, err := s.due.DueForTimeout(ctx, asOf, offset, s.cfg.PageSize)
		if err != nil {
			return rep, fmt.Errorf("list due games: %w", err)
		}
		rep.Candidates += len(ids)
		finished := 0
		for _, id := range ids {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			out, err := s.coord.Timeout(ctx, id)
			switch {
			case err != nil:
				rep.Failed++
				s.log.Warn("timeout_sweep_error", zap.String("game_id", id), zap.Error(err))
			case out.Changed || out.Stale:
				// either way the game no longer sits in the due index
				finished++
				if out.Changed {
					rep.Finished++
				}
			}
		}
		if len(ids) < s.cfg.PageSize {
			break
		}
		// finished games left the index; skip past the ones that stayed
		offset += len(ids) - finished
	}
	if rep.Candidates > 0 {
		s.log.Info("timeout_sweep",
			zap.Int("candidates", rep.Candidates),
			zap.Int("finished", rep.Finished),
			zap.Int("failed", rep.Failed),
		)
	}
	return rep, nil
}

// Start runs Sweep every Interval until ctx is done. Sweeps never overlap.
func (s *Scanner) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("timeout_sweep_failed", zap.Error(err))
			}
		}),
		gocron.WithName("timeout-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	s.log.Info("timeout_scanner_started", zap.Duration("interval", s.cfg.Interval))
	<-ctx.Done()
	return sched.Shutdown()
}
