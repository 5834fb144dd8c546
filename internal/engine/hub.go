package engine

import (
	"sync"
)

// subscriptionBuffer is the number of events buffered per subscriber before
// delivery blocks the reader.
const subscriptionBuffer = 64

// Subscription receives the events and transport failures of one worker
// from the moment it was created until Close.
type Subscription struct {
	events chan Event
	errs   chan error
	done   chan struct{}
	once   sync.Once
	hub    *Hub
}

// Events returns the event stream.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Errors delivers at most one transport failure.
func (s *Subscription) Errors() <-chan error {
	return s.errs
}

// Close deregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.hub != nil {
			s.hub.remove(s)
		}
	})
}

// Hub fans worker output out to the current subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	err  error
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber. If the hub already failed, the
// failure is delivered immediately.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		events: make(chan Event, subscriptionBuffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.err != nil {
		s.errs <- h.err
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber, waiting for slow subscribers
// unless they close. Events published with no subscriber are dropped.
func (h *Hub) Publish(ev Event) {
	for _, s := range h.snapshot() {
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}
}

// Fail records a terminal transport failure and delivers it to every
// subscriber, current and future.
func (h *Hub) Fail(err error) {
	h.mu.Lock()
	if h.err != nil {
		h.mu.Unlock()
		return
	}
	h.err = err
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.errs <- err:
		default:
		}
	}
}

// Err returns the recorded failure, if any.
func (h *Hub) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) snapshot() []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	return subs
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}
