package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-live/internal/idempotency"
	"github.com/park285/cheese-live/internal/session"
	"github.com/park285/cheese-live/internal/store"
	"github.com/park285/cheese-live/pkg/livedto"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type recordingPublisher struct {
	mu    sync.Mutex
	fail  int
	calls int
	got   []livedto.BusEnvelope
}

func (p *recordingPublisher) Publish(_ context.Context, env livedto.BusEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail > 0 {
		p.fail--
		return errors.New("bus unavailable")
	}
	p.got = append(p.got, env)
	return nil
}

func finishedGame(t *testing.T, st store.Store, coord *session.Coordinator, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := coord.CreateFromMatch(ctx, livedto.MatchFound{GameID: id, WhitePlayerID: "w", BlackPlayerID: "b", BaseSeconds: 60})
	require.NoError(t, err)
	_, err = coord.Resign(ctx, id, "b")
	require.NoError(t, err)
}

func TestRelay_PublishesAndAcks(t *testing.T) {
	st := store.NewMemory()
	coord := session.NewCoordinator(st, nil, nil, session.Config{Now: func() time.Time { return t0 }})
	finishedGame(t, st, coord, "g1")
	finishedGame(t, st, coord, "g2")

	pub := &recordingPublisher{}
	relay := NewRelay(st, pub, RelayConfig{RetryBase: time.Millisecond})
	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.got, 2)
	assert.Equal(t, "g1:finished", pub.got[0].ID)
	assert.Equal(t, livedto.EventGameFinished, pub.got[0].Type)
	fact, ok := pub.got[0].Data.(livedto.GameFinished)
	require.True(t, ok)
	assert.Equal(t, "1-0", fact.Result)
	assert.Equal(t, "RESIGN", fact.FinishReason)

	pending, err := st.PendingFinished(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelay_FailedPublishStaysInOutbox(t *testing.T) {
	st := store.NewMemory()
	coord := session.NewCoordinator(st, nil, nil, session.Config{Now: func() time.Time { return t0 }})
	finishedGame(t, st, coord, "g1")

	pub := &recordingPublisher{fail: 3}
	relay := NewRelay(st, pub, RelayConfig{RetryMax: 2, RetryBase: time.Millisecond})
	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, pub.calls)

	pending, _ := st.PendingFinished(context.Background(), 0)
	require.Len(t, pending, 1)

	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "g1:finished", pub.got[0].ID)
}

func TestRelay_RunDrainsOnNudge(t *testing.T) {
	st := store.NewMemory()
	pub := &recordingPublisher{}
	relay := NewRelay(st, pub, RelayConfig{Interval: time.Hour, RetryBase: time.Millisecond})
	coord := session.NewCoordinator(st, nil, relay, session.Config{Now: func() time.Time { return t0 }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	finishedGame(t, st, coord, "g1")
	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.got) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRedisStreamPublisher_XAdd(t *testing.T) {
	_, rdb := newRedis(t)
	pub := NewRedisStreamPublisher(rdb, "events:game.finished", 0)
	env := FinishedEnvelope(livedto.GameFinished{EventID: "g1:finished", GameID: "g1", Result: "1-0", FinishedAt: t0})
	require.NoError(t, pub.Publish(context.Background(), env))

	entries, err := rdb.XRange(context.Background(), "events:game.finished", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "g1:finished", entries[0].Values["id"])
	assert.Equal(t, livedto.EventGameFinished, entries[0].Values["type"])
	var fact livedto.GameFinished
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &fact))
	assert.Equal(t, "g1", fact.GameID)
}

func TestWebhookPublisher_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(string(body))
		assert.Equal(t, "g1:finished", r.Header.Get("X-Event-Id"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher([]string{srv.URL, " "}, WithWebhookRetry(3), WithWebhookTimeout(2*time.Second))
	env := FinishedEnvelope(livedto.GameFinished{EventID: "g1:finished", GameID: "g1", FinishedAt: t0})
	require.NoError(t, pub.Publish(context.Background(), env))
	assert.Equal(t, int32(2), hits.Load())

	var got livedto.BusEnvelope
	require.NoError(t, json.Unmarshal([]byte(lastBody.Load().(string)), &got))
	assert.Equal(t, "g1:finished", got.ID)
}

func TestWebhookPublisher_ClientErrorIsFinal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	pub := NewWebhookPublisher([]string{srv.URL}, WithWebhookRetry(3))
	err := pub.Publish(context.Background(), livedto.BusEnvelope{ID: "x", Type: livedto.EventGameFinished})
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{fail: 1}
	err := Multi{ok, bad, NewLogPublisher(nil)}.Publish(context.Background(), livedto.BusEnvelope{ID: "e1"})
	require.Error(t, err)
	assert.Len(t, ok.got, 1)
}

type flakyHandler struct {
	MatchHandler
	fail atomic.Int32
}

func (f *flakyHandler) CreateFromMatch(ctx context.Context, m livedto.MatchFound) (session.Outcome, error) {
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return session.Outcome{}, livedto.DomainError{Code: livedto.CodeUnavailable, Message: "store down", Retryable: true}
	}
	return f.MatchHandler.CreateFromMatch(ctx, m)
}

func publishMatch(t *testing.T, rdb *redis.Client, m livedto.MatchFound) {
	t.Helper()
	pub := NewRedisStreamPublisher(rdb, "events:match.found", 0)
	require.NoError(t, pub.Publish(context.Background(), livedto.BusEnvelope{
		ID: m.EventID, Type: livedto.EventMatchFound, OccurredAt: t0, Data: m,
	}))
}

func newConsumer(t *testing.T, rdb *redis.Client, h MatchHandler) *MatchConsumer {
	t.Helper()
	c := NewMatchConsumer(rdb, h, idempotency.NewRedis(rdb, time.Hour), ConsumerConfig{
		Stream: "events:match.found",
		Group:  "live-game",
	})
	require.NoError(t, c.EnsureGroup(context.Background()))
	require.NoError(t, c.EnsureGroup(context.Background()))
	return c
}

func pendingCount(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), "events:match.found", "live-game").Result()
	require.NoError(t, err)
	return p.Count
}

func TestMatchConsumer_RedeliveryCreatesOneGame(t *testing.T) {
	_, rdb := newRedis(t)
	st := store.NewMemory()
	coord := session.NewCoordinator(st, nil, nil, session.Config{Now: func() time.Time { return t0 }})
	c := newConsumer(t, rdb, coord)

	m := livedto.MatchFound{EventID: "evt-1", GameID: "g1", WhitePlayerID: "w", BlackPlayerID: "b", BaseSeconds: 300, IncrementSeconds: 3}
	publishMatch(t, rdb, m)
	publishMatch(t, rdb, m)

	// drain pending (none yet), then the new entries
	for i := 0; i < 3; i++ {
		failed, err := c.Poll(context.Background())
		require.NoError(t, err)
		require.Zero(t, failed)
	}
	g, err := st.Load(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), g.Version)
	assert.Equal(t, 300, g.TimeControl.BaseSeconds)
	assert.Equal(t, int64(0), pendingCount(t, rdb))
}

func TestMatchConsumer_FailedCreateIsRetried(t *testing.T) {
	_, rdb := newRedis(t)
	st := store.NewMemory()
	coord := session.NewCoordinator(st, nil, nil, session.Config{Now: func() time.Time { return t0 }})
	h := &flakyHandler{MatchHandler: coord}
	h.fail.Store(1)
	c := newConsumer(t, rdb, h)

	publishMatch(t, rdb, livedto.MatchFound{EventID: "evt-2", GameID: "g2", WhitePlayerID: "w", BlackPlayerID: "b", BaseSeconds: 60})

	_, err := c.Poll(context.Background()) // empty pending list
	require.NoError(t, err)
	failed, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Equal(t, int64(1), pendingCount(t, rdb))
	_, err = st.Load(context.Background(), "g2")
	require.ErrorIs(t, err, store.ErrNotFound)

	failed, err = c.Poll(context.Background()) // retried from the pending list
	require.NoError(t, err)
	assert.Zero(t, failed)
	_, err = st.Load(context.Background(), "g2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pendingCount(t, rdb))
}

func TestMatchConsumer_InvalidMatchIsAcked(t *testing.T) {
	_, rdb := newRedis(t)
	st := store.NewMemory()
	coord := session.NewCoordinator(st, nil, nil, session.Config{Now: func() time.Time { return t0 }})
	c := newConsumer(t, rdb, coord)

	publishMatch(t, rdb, livedto.MatchFound{EventID: "evt-3", GameID: "g3", WhitePlayerID: "w", BlackPlayerID: "w", BaseSeconds: 60})
	require.NoError(t, rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "events:match.found",
		Values: map[string]any{"id": "junk", "data": "{not json"},
	}).Err())

	for i := 0; i < 2; i++ {
		_, err := c.Poll(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(0), pendingCount(t, rdb))
	_, err := st.Load(context.Background(), "g3")
	require.ErrorIs(t, err, store.ErrNotFound)
}

type cancellingHandler struct {
	cancel context.CancelFunc
}

func (h *cancellingHandler) CreateFromMatch(context.Context, livedto.MatchFound) (session.Outcome, error) {
	h.cancel()
	return session.Outcome{}, livedto.DomainError{Code: livedto.CodeUnavailable, Message: "shutting down", Retryable: true}
}

func TestMatchConsumer_ShutdownMidCreateKeepsMatch(t *testing.T) {
	_, rdb := newRedis(t)
	publishMatch(t, rdb, livedto.MatchFound{EventID: "evt-4", GameID: "g4", WhitePlayerID: "w", BlackPlayerID: "b", BaseSeconds: 60})

	ctx, cancel := context.WithCancel(context.Background())
	first := newConsumer(t, rdb, &cancellingHandler{cancel: cancel})
	_, err := first.Poll(ctx) // empty pending list
	require.NoError(t, err)
	failed, err := first.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, failed)
	require.Equal(t, int64(1), pendingCount(t, rdb))

	// restarted process, same consumer name
	st := store.NewMemory()
	coord := session.NewCoordinator(st, nil, nil, session.Config{Now: func() time.Time { return t0 }})
	second := newConsumer(t, rdb, coord)
	for i := 0; i < 3; i++ {
		_, err := second.Poll(context.Background())
		require.NoError(t, err)
	}
	g, err := st.Load(context.Background(), "g4")
	require.NoError(t, err)
	assert.Equal(t, "w", g.WhiteID)
	assert.Equal(t, int64(0), pendingCount(t, rdb))
}

func TestMatchConsumer_StalePendingClaimIsRetaken(t *testing.T) {
	_, rdb := newRedis(t)
	publishMatch(t, rdb, livedto.MatchFound{EventID: "evt-5", GameID: "g5", WhitePlayerID: "w", BlackPlayerID: "b", BaseSeconds: 60})

	// a crashed handler claimed the event and never got to release it
	claims := idempotency.NewRedis(rdb, time.Hour)
	fresh, err := claims.Claim(context.Background(), idempotency.Key("live-game", "evt-5"))
	require.NoError(t, err)
	require.True(t, fresh)

	st := store.NewMemory()
	coord := session.NewCoordinator(st, nil, nil, session.Config{Now: func() time.Time { return t0 }})
	c := newConsumer(t, rdb, coord)
	for i := 0; i < 2; i++ {
		failed, err := c.Poll(context.Background())
		require.NoError(t, err)
		require.Zero(t, failed)
	}
	_, err = st.Load(context.Background(), "g5")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pendingCount(t, rdb))

	fresh, err = claims.Claim(context.Background(), idempotency.Key("live-game", "evt-5"))
	require.NoError(t, err)
	assert.False(t, fresh, "claim should be completed after the game exists")
}
