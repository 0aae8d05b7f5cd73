package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-live/internal/obslog"
	"github.com/park285/cheese-live/pkg/livedto"
)

// Publisher delivers one envelope. Delivery is at least once; consumers
// dedupe on the envelope id.
type Publisher interface {
	Publish(ctx context.Context, env livedto.BusEnvelope) error
}

// FinishedEnvelope wraps a GameFinished fact for the bus.
func FinishedEnvelope(f livedto.GameFinished) livedto.BusEnvelope {
	return livedto.BusEnvelope{
		ID:         f.EventID,
		Type:       livedto.EventGameFinished,
		OccurredAt: f.FinishedAt,
		Data:       f,
	}
}

// stream entry fields
const (
	fieldID         = "id"
	fieldType       = "type"
	fieldOccurredAt = "occurredAt"
	fieldData       = "data"
)

// RedisStreamPublisher appends envelopes to a Redis stream with XADD.
type RedisStreamPublisher struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(rdb redis.UniversalClient, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, env livedto.BusEnvelope) error {
	data, err := json.Marshal(env.Data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			fieldID:         env.ID,
			fieldType:       env.Type,
			fieldOccurredAt: env.OccurredAt.UTC().Format(time.RFC3339Nano),
			fieldData:       string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// WebhookPublisher POSTs the JSON envelope to each configured URL.
type WebhookPublisher struct {
	urls     []string
	http     *fasthttp.Client
	timeout  time.Duration
	retryMax int
}

type WebhookOption func(*WebhookPublisher)

func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(w *WebhookPublisher) { w.timeout = d }
}

func WithWebhookRetry(max int) WebhookOption {
	return func(w *WebhookPublisher) { w.retryMax = max }
}

func NewWebhookPublisher(urls []string, opts ...WebhookOption) *WebhookPublisher {
	w := &WebhookPublisher{
		http:     &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		timeout:  10 * time.Second,
		retryMax: 3,
	}
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			w.urls = append(w.urls, u)
		}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebhookPublisher) Publish(ctx context.Context, env livedto.BusEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	var errs []error
	for _, u := range w.urls {
		if err := w.post(ctx, u, env, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *WebhookPublisher) post(ctx context.Context, url string, env livedto.BusEnvelope, body []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Event-Id", env.ID)
	req.Header.Set("X-Event-Type", env.Type)
	req.SetBody(body)

	attempts := w.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := w.http.DoDeadline(req, resp, w.deadline(ctx))
		if err == nil {
			status := resp.StatusCode()
			if status >= 200 && status < 300 {
				return nil
			}
			err = fmt.Errorf("webhook %s: status=%d body=%s", url, status, truncate(string(resp.Body()), 256))
			if !shouldRetryStatus(status) {
				return err
			}
		} else {
			err = fmt.Errorf("webhook %s: %w", url, err)
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return lastErr
		}
	}
	return lastErr
}

func (w *WebhookPublisher) deadline(ctx context.Context) time.Time {
	dl := time.Now().Add(w.timeout)
	if ctxDL, ok := ctx.Deadline(); ok && ctxDL.Before(dl) {
		return ctxDL
	}
	return dl
}

// LogPublisher only logs; used when no bus is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(l *zap.Logger) *LogPublisher {
	return &LogPublisher{log: obslog.Or(l)}
}

func (p *LogPublisher) Publish(_ context.Context, env livedto.BusEnvelope) error {
	p.log.Info("event_publish",
		zap.String("event_id", env.ID),
		zap.String("type", env.Type),
		zap.Time("occurred_at", env.OccurredAt),
	)
	return nil
}

// Multi publishes to every target and fails if any of them failed.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, env livedto.BusEnvelope) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
