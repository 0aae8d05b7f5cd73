package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/park285/cheese-live/internal/game"
	"github.com/park285/cheese-live/pkg/livedto"
)

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu     sync.Mutex
	games  map[string]*game.Game
	outbox map[string]livedto.GameFinished
}

func NewMemory() *Memory {
	return &Memory{
		games:  make(map[string]*game.Game),
		outbox: make(map[string]livedto.GameFinished),
	}
}

func (m *Memory) Create(_ context.Context, g *game.Game) error {
	if err := g.CheckInvariants(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.games[g.ID]; ok {
		return ErrExists
	}
	m.games[g.ID] = g.Clone()
	return nil
}

func (m *Memory) Load(_ context.Context, id string) (*game.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

func (m *Memory) Commit(_ context.Context, g *game.Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.games[g.ID]
	if !ok {
		return ErrNotFound
	}
	if err := checkCommit(cur.Version, len(cur.Moves), g); err != nil {
		return err
	}
	m.games[g.ID] = g.Clone()
	if fact, done := g.Finished(); done {
		m.outbox[g.ID] = fact
	}
	return nil
}

func (m *Memory) DueForTimeout(_ context.Context, asOf time.Time, offset, limit int) ([]string, error) {
	m.mu.Lock()
	type due struct {
		id string
		at time.Time
	}
	var list []due
	for id, g := range m.games {
		if dl, ok := deadlineOf(g); ok && !dl.After(asOf) {
			list = append(list, due{id: id, at: dl})
		}
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].at.Equal(list[j].at) {
			return list[i].id < list[j].id
		}
		return list[i].at.Before(list[j].at)
	})
	if offset >= len(list) {
		return nil, nil
	}
	list = list[offset:]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	ids := make([]string, len(list))
	for i, d := range list {
		ids[i] = d.id
	}
	return ids, nil
}

func (m *Memory) PendingFinished(_ context.Context, limit int) ([]livedto.GameFinished, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]livedto.GameFinished, 0, len(m.outbox))
	for _, f := range m.outbox {
		out = append(out, f)
	}
	sortFinished(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AckFinished(_ context.Context, gameID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outbox, gameID)
	return nil
}

func (m *Memory) Close() error { return nil }
