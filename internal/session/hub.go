// Package session owns the live-session registry, the per-session
// event stream, and profile exclusivity.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"browsernerd/internal/logging"
)

// Event is one entry of a session's observer stream. Seq is assigned
// by the hub and is strictly increasing per session.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Subscriber is one observer's bounded queue. A subscriber that
// cannot drain fast enough is dropped; runners never block on
// observer I/O.
type Subscriber struct {
	hub       *Hub
	sessionID string // empty subscribes to every session
	ch        chan Event
	once      sync.Once
}

// C is the subscriber's event channel. It is closed when the
// subscriber is dropped or closed.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Close detaches the subscriber.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans session events out to subscribers.
type Hub struct {
	mu   sync.Mutex
	seq  map[string]uint64
	subs map[*Subscriber]struct{}
	log  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		seq:  make(map[string]uint64),
		subs: make(map[*Subscriber]struct{}),
		log:  logging.Get(logging.CategorySession),
	}
}

// Subscribe registers an observer. sessionID filters the stream;
// empty means everything. buffer bounds the queue.
func (h *Hub) Subscribe(sessionID string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 256
	}
	s := &Subscriber{
		hub:       h,
		sessionID: sessionID,
		ch:        make(chan Event, buffer),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, present := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if present {
		s.once.Do(func() { close(s.ch) })
	}
}

// Publish assigns the session's next sequence number and fans the
// event out. Subscribers with full queues are dropped on the spot.
func (h *Hub) Publish(sessionID, eventType string, payload map[string]any) Event {
	h.mu.Lock()
	h.seq[sessionID]++
	ev := Event{
		Type:      eventType,
		SessionID: sessionID,
		Seq:       h.seq[sessionID],
		Timestamp: time.Now(),
		Payload:   payload,
	}

	var slow []*Subscriber
	for s := range h.subs {
		if s.sessionID != "" && s.sessionID != sessionID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		delete(h.subs, s)
	}
	h.mu.Unlock()

	for _, s := range slow {
		s.once.Do(func() { close(s.ch) })
		h.log.Warn("dropped slow event subscriber",
			zap.String("session_id", sessionID),
			zap.String("event", eventType))
	}
	return ev
}

// Forget clears a closed session's sequence counter.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	delete(h.seq, sessionID)
	h.mu.Unlock()
}

// Emitter binds Publish to one session for the runner's EmitFunc.
func (h *Hub) Emitter(sessionID string) func(string, map[string]any) {
	return func(eventType string, payload map[string]any) {
		h.Publish(sessionID, eventType, payload)
	}
}
