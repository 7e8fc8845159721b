// Package notify fans task events out to live subscribers. Delivery is best
// effort: a subscriber that falls behind loses events rather than stalling
// the task loop.
package notify

import (
	"sync"

	"github.com/throw-if-null/prime/internal/api"
)

const defaultBuffer = 64

type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Subscription is one subscriber's event stream.
type Subscription struct {
	hub  *Hub
	ch   chan api.Event
	once sync.Once
}

func (s *Subscription) Events() <-chan api.Event { return s.ch }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if _, ok := s.hub.subs[s]; ok {
			delete(s.hub.subs, s)
			close(s.ch)
		}
	})
}

func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &Subscription{hub: h, ch: make(chan api.Event, h.buffer)}
	if h.closed {
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber with room in its buffer.
func (h *Hub) Publish(ev api.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}

// TaskEvent builds the event announcing t's current state. Only successful
// completion is a task_complete event; cancellation, failure and restarts
// are updates.
func TaskEvent(t api.Task) api.Event {
	typ := api.EventTaskUpdate
	if t.Status == api.StatusCompleted {
		typ = api.EventTaskComplete
	}
	return api.Event{Type: typ, ID: t.ID, Status: t.Status, Output: t.Output, Step: t.Step}
}
