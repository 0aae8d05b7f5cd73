package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/park285/cheese-live/internal/obslog"
	"github.com/park285/cheese-live/pkg/livedto"
)

// Subscriber is one viewer's outbound queue. It is closed when the viewer
// leaves or falls too far behind.
type Subscriber struct {
	GameID string
	UserID string

	send chan []byte
	done chan struct{}
	once sync.Once
	slow bool
}

// Frames delivers encoded frames in broadcast order.
func (s *Subscriber) Frames() <-chan []byte { return s.send }

// Done is closed once the subscriber is dropped.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Slow reports whether the subscriber was dropped for not keeping up.
func (s *Subscriber) Slow() bool {
	select {
	case <-s.done:
		return s.slow
	default:
		return false
	}
}

func (s *Subscriber) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close(slow bool) {
	s.once.Do(func() {
		s.slow = slow
		close(s.done)
	})
}

// Hub fans events out to every viewer of a game. Broadcast never blocks:
// a viewer whose queue is full is dropped and has to reconnect for a
// fresh snapshot.
type Hub struct {
	mu        sync.RWMutex
	games     map[string]map[*Subscriber]struct{}
	queueSize int
	log       *zap.Logger
}

func NewHub(queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		games:     make(map[string]map[*Subscriber]struct{}),
		queueSize: queueSize,
		log:       obslog.Or(logger),
	}
}

func (h *Hub) Subscribe(gameID, userID string) *Subscriber {
	s := &Subscriber{
		GameID: gameID,
		UserID: userID,
		send:   make(chan []byte, h.queueSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	subs, ok := h.games[gameID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.games[gameID] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.remove(s)
	s.close(false)
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.games[s.GameID]
	if !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.games, s.GameID)
	}
}

// Send queues events for one subscriber only.
func (h *Hub) Send(s *Subscriber, events ...livedto.Event) bool {
	for _, ev := range events {
		frame, err := livedto.EncodeEvent(ev)
		if err != nil {
			h.log.Error("ws_encode_failed", zap.String("type", string(ev.EventType())), zap.Error(err))
			continue
		}
		if !s.enqueue(frame) {
			h.drop(s)
			return false
		}
	}
	return true
}

func (h *Hub) Broadcast(gameID string, events ...livedto.Event) {
	frames := make([][]byte, 0, len(events))
	for _, ev := range events {
		frame, err := livedto.EncodeEvent(ev)
		if err != nil {
			h.log.Error("ws_encode_failed", zap.String("type", string(ev.EventType())), zap.Error(err))
			continue
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return
	}

	var slow []*Subscriber
	h.mu.RLock()
	for s := range h.games[gameID] {
		for _, f := range frames {
			if !s.enqueue(f) {
				slow = append(slow, s)
				break
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.drop(s)
	}
}

func (h *Hub) drop(s *Subscriber) {
	h.remove(s)
	s.close(true)
	h.log.Warn("ws_slow_consumer_dropped", zap.String("game_id", s.GameID), zap.String("user_id", s.UserID))
}

// Viewers is the number of subscribers attached to gameID.
func (h *Hub) Viewers(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.games[gameID])
}
