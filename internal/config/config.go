package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	HTTPAddr string

	GameStore   string
	RedisURL    string
	DatabaseURL string
	// FinishedTTL expires finished games in the Redis store; 0 keeps them.
	FinishedTTL time.Duration

	ScanInterval time.Duration
	ScanPageSize int
	ScanMaxPages int

	PersistRetryMax int
	PublishRetryMax int
	RelayInterval   time.Duration
	IdempotencyTTL  time.Duration

	EventBackend   string
	MatchStream    string
	FinishedStream string
	ConsumerGroup  string
	ConsumerName   string
	WebhookURLs    []string

	TimeControlPolicyFile string
	Policy                *TimeControlPolicy

	AllowMatchInjection bool
	WSOriginPatterns    []string
}

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	BackendRedis   = "redis"
	BackendWebhook = "webhook"
	BackendBoth    = "both"
	BackendLog     = "log"
)

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		HTTPAddr:        ":8080",
		GameStore:       StoreRedis,
		ScanInterval:    250 * time.Millisecond,
		ScanPageSize:    200,
		ScanMaxPages:    10,
		PersistRetryMax: 3,
		PublishRetryMax: 5,
		RelayInterval:   time.Second,
		IdempotencyTTL:  24 * time.Hour,
		EventBackend:    BackendRedis,
		MatchStream:     "events:match.found",
		FinishedStream:  "events:game.finished",
		ConsumerGroup:   "live-game",
	}

	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("GAME_STORE")); v != "" {
		cfg.GameStore = strings.ToLower(v)
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	if n, ok := positiveInt("FINISHED_TTL_SEC"); ok {
		cfg.FinishedTTL = time.Duration(n) * time.Second
	}
	if n, ok := positiveInt("SCAN_INTERVAL_MS"); ok {
		cfg.ScanInterval = time.Duration(n) * time.Millisecond
	}
	if n, ok := positiveInt("SCAN_PAGE_SIZE"); ok {
		cfg.ScanPageSize = n
	}
	if n, ok := positiveInt("SCAN_MAX_PAGES"); ok {
		cfg.ScanMaxPages = n
	}
	if v := strings.TrimSpace(os.Getenv("PERSIST_RETRY_MAX")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.PersistRetryMax = n
		}
	}
	if n, ok := positiveInt("PUBLISH_RETRY_MAX"); ok {
		cfg.PublishRetryMax = n
	}
	if n, ok := positiveInt("RELAY_INTERVAL_MS"); ok {
		cfg.RelayInterval = time.Duration(n) * time.Millisecond
	}
	if n, ok := positiveInt("IDEMPOTENCY_TTL_SEC"); ok {
		cfg.IdempotencyTTL = time.Duration(n) * time.Second
	}

	if v := strings.TrimSpace(os.Getenv("EVENT_BACKEND")); v != "" {
		cfg.EventBackend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("MATCH_STREAM")); v != "" {
		cfg.MatchStream = v
	}
	if v := strings.TrimSpace(os.Getenv("FINISHED_STREAM")); v != "" {
		cfg.FinishedStream = v
	}
	if v := strings.TrimSpace(os.Getenv("CONSUMER_GROUP")); v != "" {
		cfg.ConsumerGroup = v
	}
	cfg.ConsumerName = strings.TrimSpace(os.Getenv("CONSUMER_NAME"))
	if cfg.ConsumerName == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.ConsumerName = h
		}
	}
	cfg.WebhookURLs = splitList(os.Getenv("WEBHOOK_URLS"))
	cfg.WSOriginPatterns = splitList(os.Getenv("WS_ORIGIN_PATTERNS"))

	if v := strings.TrimSpace(os.Getenv("ALLOW_MATCH_INJECTION")); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			cfg.AllowMatchInjection = b
		}
	}

	cfg.TimeControlPolicyFile = strings.TrimSpace(os.Getenv("TIME_CONTROL_POLICY_FILE"))
	policy, err := LoadPolicy(cfg.TimeControlPolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.GameStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for GAME_STORE=redis")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for GAME_STORE=postgres")
		}
	default:
		return fmt.Errorf("unknown GAME_STORE %q", c.GameStore)
	}
	switch c.EventBackend {
	case BackendLog:
	case BackendRedis, BackendBoth, BackendWebhook:
		if c.EventBackend != BackendWebhook && c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for EVENT_BACKEND=%s", c.EventBackend)
		}
		if c.EventBackend != BackendRedis && len(c.WebhookURLs) == 0 {
			return fmt.Errorf("WEBHOOK_URLS is required for EVENT_BACKEND=%s", c.EventBackend)
		}
	default:
		return fmt.Errorf("unknown EVENT_BACKEND %q", c.EventBackend)
	}
	return nil
}

// ConsumeMatches reports whether MatchFound facts are read from the stream.
func (c *AppConfig) ConsumeMatches() bool {
	return c.RedisURL != "" && c.MatchStream != ""
}

func positiveInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
