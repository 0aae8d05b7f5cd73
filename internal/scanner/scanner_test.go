package scanner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/park285/cheese-live/internal/session"
	"github.com/park285/cheese-live/internal/store"
	"github.com/park285/cheese-live/pkg/livedto"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type failing struct {
	Timeouter
	fail map[string]bool
}

func (f failing) Timeout(ctx context.Context, id string) (session.Outcome, error) {
	if f.fail[id] {
		return session.Outcome{}, errors.New("store down")
	}
	return f.Timeouter.Timeout(ctx, id)
}

func setup(t *testing.T, n int) (*store.Memory, *session.Coordinator, *time.Time) {
	t.Helper()
	st := store.NewMemory()
	now := t0
	coord := session.NewCoordinator(st, nil, nil, session.Config{Now: func() time.Time { return now }})
	for i := 1; i <= n; i++ {
		_, err := coord.CreateFromMatch(context.Background(), livedto.MatchFound{
			GameID:        fmt.Sprintf("g%d", i),
			WhitePlayerID: "w",
			BlackPlayerID: "b",
			BaseSeconds:   60,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	return st, coord, &now
}

func TestSweep_FinishesExpiredGames(t *testing.T) {
	st, coord, now := setup(t, 5)
	*now = t0.Add(30 * time.Second)
	sc := New(st, coord, Config{PageSize: 2, Now: func() time.Time { return *now }})
	rep, err := sc.Sweep(context.Background())
	if err != nil || rep.Candidates != 0 {
		t.Fatalf("early sweep: %+v %v", rep, err)
	}

	*now = t0.Add(61 * time.Second)
	rep, err = sc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Finished != 5 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}
	for i := 1; i <= 5; i++ {
		g, _ := st.Load(context.Background(), fmt.Sprintf("g%d", i))
		if !g.Terminal() || g.FinishReason != "TIMEOUT" || g.Result != "0-1" {
			t.Fatalf("g%d not timed out: %s %s", i, g.Status, g.Result)
		}
	}
	pending, _ := st.PendingFinished(context.Background(), 0)
	if len(pending) != 5 {
		t.Fatalf("outbox has %d facts", len(pending))
	}
}

func TestSweep_FailuresAreSkippedNotFatal(t *testing.T) {
	st, coord, now := setup(t, 3)
	*now = t0.Add(2 * time.Minute)
	sc := New(st, failing{Timeouter: coord, fail: map[string]bool{"g2": true}}, Config{
		PageSize: 2,
		Now:      func() time.Time { return *now },
	})
	rep, err := sc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Candidates != 3 || rep.Finished != 2 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	g2, _ := st.Load(context.Background(), "g2")
	if g2.Terminal() {
		t.Fatalf("failed candidate should stay active")
	}
}

func TestSweep_PageCap(t *testing.T) {
	st, coord, now := setup(t, 3)
	*now = t0.Add(2 * time.Minute)
	sc := New(st, coord, Config{PageSize: 1, MaxPages: 2, Now: func() time.Time { return *now }})
	rep, err := sc.Sweep(context.Background())
	if err != nil || rep.Finished != 2 {
		t.Fatalf("first sweep: %+v %v", rep, err)
	}
	rep, err = sc.Sweep(context.Background())
	if err != nil || rep.Finished != 1 {
		t.Fatalf("second sweep: %+v %v", rep, err)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	st, coord, now := setup(t, 1)
	*now = t0.Add(2 * time.Minute)
	sc := New(st, coord, Config{Interval: 10 * time.Millisecond, Now: func() time.Time { return *now }})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sc.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		g, _ := st.Load(context.Background(), "g1")
		if g.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduled sweep never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Start did not return after cancel")
	}
}
