package clock

import (
	"time"

	"github.com/park285/cheese-live/internal/rules"
)

// Clock holds per-side remaining time as of Since. Only the Running side
// loses time; an empty Running means the clock is frozen.
//
// Remaining time is derived from timestamps on every read, nothing ticks.
type Clock struct {
	WhiteMs     int64       `json:"white_ms"`
	BlackMs     int64       `json:"black_ms"`
	IncrementMs int64       `json:"increment_ms"`
	Running     rules.Color `json:"running,omitempty"`
	Since       time.Time   `json:"since"`
}

// Snapshot is the derived clock view at one instant.
type Snapshot struct {
	WhiteMs int64
	BlackMs int64
	Running rules.Color
	AsOf    time.Time
}

// New starts a clock for a fresh game with white to move from start.
func New(base, increment time.Duration, start time.Time) Clock {
	return Clock{
		WhiteMs:     base.Milliseconds(),
		BlackMs:     base.Milliseconds(),
		IncrementMs: increment.Milliseconds(),
		Running:     rules.White,
		Since:       start,
	}
}

func (c Clock) stored(side rules.Color) int64 {
	if side == rules.White {
		return c.WhiteMs
	}
	return c.BlackMs
}

func (c Clock) elapsedMs(now time.Time) int64 {
	if now.Before(c.Since) {
		return 0
	}
	return now.Sub(c.Since).Milliseconds()
}

// Remaining returns side's time as of now, never negative.
func (c Clock) Remaining(side rules.Color, now time.Time) int64 {
	ms := c.stored(side)
	if c.Running == side {
		ms -= c.elapsedMs(now)
	}
	if ms < 0 {
		return 0
	}
	return ms
}

func (c Clock) Snapshot(now time.Time) Snapshot {
	asOf := now
	if c.Running == "" || now.Before(c.Since) {
		asOf = c.Since
	}
	return Snapshot{
		WhiteMs: c.Remaining(rules.White, now),
		BlackMs: c.Remaining(rules.Black, now),
		Running: c.Running,
		AsOf:    asOf,
	}
}

// Expired reports the running side when its time has run out at now.
func (c Clock) Expired(now time.Time) (rules.Color, bool) {
	if c.Running == "" {
		return "", false
	}
	if c.Remaining(c.Running, now) > 0 {
		return "", false
	}
	return c.Running, true
}

// Deadline is the instant the running side's flag falls.
func (c Clock) Deadline() (time.Time, bool) {
	if c.Running == "" {
		return time.Time{}, false
	}
	return c.Since.Add(time.Duration(c.stored(c.Running)) * time.Millisecond), true
}

// Punch ends mover's turn at now: mover keeps its remaining time plus the
// increment and the opponent starts running from the same instant.
func (c Clock) Punch(mover rules.Color, now time.Time) Clock {
	if now.Before(c.Since) {
		now = c.Since
	}
	left := c.Remaining(mover, now) + c.IncrementMs
	other := c.Remaining(mover.Opponent(), now)
	next := Clock{IncrementMs: c.IncrementMs, Running: mover.Opponent(), Since: now}
	if mover == rules.White {
		next.WhiteMs, next.BlackMs = left, other
	} else {
		next.WhiteMs, next.BlackMs = other, left
	}
	return next
}

// Stop freezes both sides at their values as of now.
func (c Clock) Stop(now time.Time) Clock {
	if c.Running == "" {
		return c
	}
	if now.Before(c.Since) {
		now = c.Since
	}
	return Clock{
		WhiteMs:     c.Remaining(rules.White, now),
		BlackMs:     c.Remaining(rules.Black, now),
		IncrementMs: c.IncrementMs,
		Since:       now,
	}
}
