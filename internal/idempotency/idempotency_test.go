package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemory_ClaimOnceUntilExpiry(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()
	key := Key("live-game", "evt-1")

	if ok, _ := m.Claim(ctx, key); !ok {
		t.Fatalf("first claim refused")
	}
	_ = m.Complete(ctx, key)
	if ok, _ := m.Claim(ctx, key); ok {
		t.Fatalf("duplicate claim accepted")
	}
	now = now.Add(2 * time.Minute)
	if n := m.Purge(); n != 1 || m.Len() != 0 {
		t.Fatalf("purge removed %d, len=%d", n, m.Len())
	}
	if ok, _ := m.Claim(ctx, key); !ok {
		t.Fatalf("claim after expiry refused")
	}
}

func TestMemory_Release(t *testing.T) {
	m := NewMemory(time.Hour)
	ctx := context.Background()
	_, _ = m.Claim(ctx, "k")
	_ = m.Release(ctx, "k")
	if ok, _ := m.Claim(ctx, "k"); !ok {
		t.Fatalf("released key not claimable")
	}
}

func TestMemory_PendingClaimIsRetaken(t *testing.T) {
	m := NewMemory(time.Hour)
	ctx := context.Background()
	if ok, _ := m.Claim(ctx, "k"); !ok {
		t.Fatalf("first claim refused")
	}
	// the first handler never completed nor released
	if ok, _ := m.Claim(ctx, "k"); !ok {
		t.Fatalf("pending claim not retaken")
	}
	_ = m.Complete(ctx, "k")
	if ok, _ := m.Claim(ctx, "k"); ok {
		t.Fatalf("completed claim retaken")
	}
}

func TestMemory_JanitorStops(t *testing.T) {
	m := NewMemory(time.Millisecond)
	_, _ = m.Claim(context.Background(), "k")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunJanitor(ctx, 5*time.Millisecond, nil) }()
	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor never purged")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunJanitor: %v", err)
	}
}

func TestRedis_ClaimRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	r := NewRedis(rdb, time.Hour)
	ctx := context.Background()
	key := Key("live-game", "evt-9")

	if ok, err := r.Claim(ctx, key); err != nil || !ok {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	if ok, _ := r.Claim(ctx, key); !ok {
		t.Fatalf("pending claim not retaken")
	}
	if err := r.Complete(ctx, key); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ok, _ := r.Claim(ctx, key); ok {
		t.Fatalf("duplicate claim accepted")
	}
	if ttl := mr.TTL("live:idem:" + key); ttl != time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}
	if err := r.Release(ctx, key); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := r.Claim(ctx, key); !ok {
		t.Fatalf("released key not claimable")
	}
	mr.FastForward(2 * time.Hour)
	if mr.Exists("live:idem:" + key) {
		t.Fatalf("claim outlived its ttl")
	}
}
