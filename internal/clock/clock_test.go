package clock

import (
	"testing"
	"time"

	"github.com/park285/cheese-live/internal/rules"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPunch_AddsIncrementAndStartsOpponent(t *testing.T) {
	c := New(180*time.Second, 2*time.Second, t0)
	c = c.Punch(rules.White, t0)
	if got := c.Remaining(rules.White, t0.Add(10*time.Second)); got != 182_000 {
		t.Fatalf("white = %d, want 182000", got)
	}
	if got := c.Remaining(rules.Black, t0); got != 180_000 {
		t.Fatalf("black = %d, want 180000", got)
	}
	if c.Running != rules.Black {
		t.Fatalf("running = %q, want black", c.Running)
	}
}

func TestRemaining_OnlyRunningSideElapses(t *testing.T) {
	c := New(60*time.Second, 0, t0)
	now := t0.Add(15 * time.Second)
	if got := c.Remaining(rules.White, now); got != 45_000 {
		t.Fatalf("white = %d", got)
	}
	if got := c.Remaining(rules.Black, now); got != 60_000 {
		t.Fatalf("black = %d", got)
	}
}

func TestRemaining_NeverNegative(t *testing.T) {
	c := New(time.Second, 0, t0)
	if got := c.Remaining(rules.White, t0.Add(time.Hour)); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}
}

func TestRemaining_Monotonic(t *testing.T) {
	c := New(30*time.Second, time.Second, t0).Punch(rules.White, t0.Add(time.Second))
	prev := c.Remaining(rules.Black, t0)
	for i := 0; i < 50; i++ {
		now := t0.Add(time.Duration(i) * 700 * time.Millisecond)
		got := c.Remaining(rules.Black, now)
		if got > prev {
			t.Fatalf("remaining increased: %d -> %d at step %d", prev, got, i)
		}
		prev = got
	}
}

func TestExpiredAndDeadline(t *testing.T) {
	c := New(10*time.Second, 0, t0).Punch(rules.White, t0.Add(4*time.Second))
	dl, ok := c.Deadline()
	if !ok || !dl.Equal(t0.Add(14*time.Second)) {
		t.Fatalf("deadline = %v ok=%v", dl, ok)
	}
	if _, expired := c.Expired(dl.Add(-time.Millisecond)); expired {
		t.Fatalf("expired before deadline")
	}
	side, expired := c.Expired(dl)
	if !expired || side != rules.Black {
		t.Fatalf("expired = %v side = %q", expired, side)
	}
}

func TestStop_Freezes(t *testing.T) {
	c := New(10*time.Second, 0, t0).Stop(t0.Add(3 * time.Second))
	if c.Running != "" {
		t.Fatalf("clock still running")
	}
	if _, ok := c.Deadline(); ok {
		t.Fatalf("frozen clock has a deadline")
	}
	if got := c.Remaining(rules.White, t0.Add(time.Hour)); got != 7_000 {
		t.Fatalf("white = %d, want 7000", got)
	}
	snap := c.Snapshot(t0.Add(time.Hour))
	if !snap.AsOf.Equal(t0.Add(3 * time.Second)) {
		t.Fatalf("frozen snapshot as of %v", snap.AsOf)
	}
}
