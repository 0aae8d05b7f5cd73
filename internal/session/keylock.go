package session

import (
	"context"
	"sync"
)

// KeyLock serializes work per key. Waiters on one key are served in arrival
// order; different keys never contend beyond the short registry mutex.
// Entries exist only while someone holds or waits for the key.
type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	held    bool
	refs    int
	waiters []chan struct{}
}

func NewKeyLock() *KeyLock {
	return &KeyLock{entries: make(map[string]*keyEntry)}
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the key and is safe to call more than once.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &keyEntry{}
		l.entries[key] = e
	}
	e.refs++
	if !e.held {
		e.held = true
		l.mu.Unlock()
		return l.releaser(key, e), nil
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaser(key, e), nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range e.waiters {
			if w == ch {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				e.refs--
				if e.refs == 0 {
					delete(l.entries, key)
				}
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		l.mu.Unlock()
		// ownership was handed over while we were cancelling
		l.releaser(key, e)()
		return nil, ctx.Err()
	}
}

func (l *KeyLock) releaser(key string, e *keyEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			e.refs--
			if len(e.waiters) > 0 {
				next := e.waiters[0]
				e.waiters = e.waiters[1:]
				close(next)
				return
			}
			e.held = false
			if e.refs == 0 {
				delete(l.entries, key)
			}
		})
	}
}

// Len is the number of keys currently held or waited on.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
