package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-live/internal/config"
	"github.com/park285/cheese-live/internal/events"
	"github.com/park285/cheese-live/internal/httpapi"
	"github.com/park285/cheese-live/internal/idempotency"
	"github.com/park285/cheese-live/internal/obslog"
	"github.com/park285/cheese-live/internal/realtime"
	"github.com/park285/cheese-live/internal/scanner"
	"github.com/park285/cheese-live/internal/session"
	"github.com/park285/cheese-live/internal/store"
)

// Deps is the wired engine.
type Deps struct {
	Config      *config.AppConfig
	Store       store.Store
	Redis       *redis.Client
	Coordinator *session.Coordinator
	Hub         *realtime.Hub
	Relay       *events.Relay
	Scanner     *scanner.Scanner
	// Consumer is nil when matches are not read from a stream.
	Consumer *events.MatchConsumer
	Claims   idempotency.Store
	Router   *gin.Engine

	memClaims *idempotency.Memory
	log       *zap.Logger
}

// New opens the configured backends and wires every component.
func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	log := obslog.Or(logger)
	d := &Deps{Config: cfg, log: log}

	if cfg.RedisURL != "" {
		rdb, err := store.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		d.Redis = rdb
	}

	st, err := d.openStore(ctx)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Store = st

	if d.Redis != nil {
		d.Claims = idempotency.NewRedis(d.Redis, cfg.IdempotencyTTL)
	} else {
		d.memClaims = idempotency.NewMemory(cfg.IdempotencyTTL)
		d.Claims = d.memClaims
	}

	pub, err := d.publisher()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Relay = events.NewRelay(st, pub, events.RelayConfig{
		Interval: cfg.RelayInterval,
		RetryMax: cfg.PublishRetryMax,
		Logger:   log,
	})

	d.Hub = realtime.NewHub(64, log)
	d.Coordinator = session.NewCoordinator(st, d.Hub, d.Relay, session.Config{
		CommitRetries: cfg.PersistRetryMax,
		Classify:      cfg.Policy.Classify,
		Logger:        log,
	})
	d.Scanner = scanner.New(st, d.Coordinator, scanner.Config{
		Interval: cfg.ScanInterval,
		PageSize: cfg.ScanPageSize,
		MaxPages: cfg.ScanMaxPages,
		Logger:   log,
	})
	if cfg.ConsumeMatches() && d.Redis != nil {
		d.Consumer = events.NewMatchConsumer(d.Redis, d.Coordinator, d.Claims, events.ConsumerConfig{
			Stream:   cfg.MatchStream,
			Group:    cfg.ConsumerGroup,
			Consumer: cfg.ConsumerName,
			Logger:   log,
		})
	}

	ws := realtime.NewServer(d.Hub, d.Coordinator, realtime.ServerConfig{
		OriginPatterns: cfg.WSOriginPatterns,
		Logger:         log,
	})
	opts := httpapi.Options{Logger: log}
	if cfg.AllowMatchInjection {
		opts.Matches = d.Claims
	}
	d.Router = httpapi.NewRouter(d.Coordinator, ws, opts)
	return d, nil
}

func (d *Deps) openStore(ctx context.Context) (store.Store, error) {
	switch d.Config.GameStore {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreRedis:
		if d.Redis == nil {
			return nil, fmt.Errorf("redis store needs REDIS_URL")
		}
		r := store.NewRedis(d.Redis)
		r.FinishedTTL = d.Config.FinishedTTL
		return r, nil
	case config.StorePostgres:
		pg, err := store.OpenPostgres(ctx, d.Config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown game store %q", d.Config.GameStore)
	}
}

func (d *Deps) publisher() (events.Publisher, error) {
	cfg := d.Config
	var redisPub, hookPub events.Publisher
	if d.Redis != nil {
		redisPub = events.NewRedisStreamPublisher(d.Redis, cfg.FinishedStream, 100_000)
	}
	if len(cfg.WebhookURLs) > 0 {
		hookPub = events.NewWebhookPublisher(cfg.WebhookURLs, events.WithWebhookRetry(2))
	}
	switch cfg.EventBackend {
	case config.BackendLog:
		return events.NewLogPublisher(d.log), nil
	case config.BackendRedis:
		if redisPub == nil {
			return nil, fmt.Errorf("event backend redis needs REDIS_URL")
		}
		return redisPub, nil
	case config.BackendWebhook:
		if hookPub == nil {
			return nil, fmt.Errorf("event backend webhook needs WEBHOOK_URLS")
		}
		return hookPub, nil
	case config.BackendBoth:
		if redisPub == nil || hookPub == nil {
			return nil, fmt.Errorf("event backend both needs REDIS_URL and WEBHOOK_URLS")
		}
		return events.Multi{redisPub, hookPub}, nil
	default:
		return nil, fmt.Errorf("unknown event backend %q", cfg.EventBackend)
	}
}

// Run serves until ctx is done or a component fails.
func (d *Deps) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpapi.Serve(ctx, d.Config.HTTPAddr, d.Router, d.log) })
	g.Go(func() error { return d.Scanner.Start(ctx) })
	g.Go(func() error { return d.Relay.Run(ctx) })
	if d.Consumer != nil {
		g.Go(func() error { return d.Consumer.Run(ctx) })
	}
	if d.memClaims != nil {
		g.Go(func() error { return d.memClaims.RunJanitor(ctx, time.Minute, d.log) })
	}
	d.log.Info("live_game_started",
		zap.String("addr", d.Config.HTTPAddr),
		zap.String("store", d.Config.GameStore),
		zap.String("events", d.Config.EventBackend),
		zap.Bool("consume_matches", d.Consumer != nil),
	)
	return g.Wait()
}

// Close releases backend connections.
func (d *Deps) Close() {
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			d.log.Warn("store_close_failed", zap.Error(err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.log.Warn("redis_close_failed", zap.Error(err))
		}
	}
}
