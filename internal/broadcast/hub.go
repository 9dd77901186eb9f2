// Package broadcast fans run messages out to live subscribers.
//
// Every subscriber owns a bounded channel. Delivery never blocks the
// publisher: a subscriber whose channel is full is dropped and its channel
// closed, the rest still receive the message.
package broadcast

import (
	"sync"
)

const DefaultBuffer = 64

// Subscription is one registered observer of a run.
type Subscription[M any] struct {
	runID string
	ch    chan M
	once  sync.Once
}

// C yields messages until the subscription is removed.
func (s *Subscription[M]) C() <-chan M { return s.ch }

func (s *Subscription[M]) RunID() string { return s.runID }

func (s *Subscription[M]) close() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Subscription[M]) offer(msg M) bool {
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// Hub keeps the subscribers of every run.
type Hub[M any] struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription[M]]struct{}
	buffer int

	// OnDrop, when set, is called for every subscriber removed because
	// delivery failed.
	OnDrop func(runID string)
}

func New[M any](buffer int) *Hub[M] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub[M]{
		subs:   make(map[string]map[*Subscription[M]]struct{}),
		buffer: buffer,
	}
}

// Connect registers a subscriber for runID. Greeting messages are queued
// before the subscriber becomes visible to Broadcast, so they always come
// first.
func (h *Hub[M]) Connect(runID string, greeting ...M) *Subscription[M] {
	s := &Subscription[M]{
		runID: runID,
		ch:    make(chan M, h.buffer+len(greeting)),
	}
	for _, g := range greeting {
		s.offer(g)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[*Subscription[M]]struct{})
		h.subs[runID] = set
	}
	set[s] = struct{}{}
	return s
}

// Detached returns a closed subscription pre-filled with msgs. It is used
// when a run has already ended and nothing more will be published.
func (h *Hub[M]) Detached(runID string, msgs ...M) *Subscription[M] {
	s := &Subscription[M]{
		runID: runID,
		ch:    make(chan M, len(msgs)),
	}
	for _, m := range msgs {
		s.offer(m)
	}
	s.close()
	return s
}

// Disconnect removes s. Calling it more than once is a no-op.
func (h *Hub[M]) Disconnect(runID string, s *Subscription[M]) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(runID, s)
}

func (h *Hub[M]) removeLocked(runID string, s *Subscription[M]) {
	if set, ok := h.subs[runID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, runID)
		}
	}
	s.close()
}

// Broadcast attempts delivery to every subscriber of runID and returns how
// many accepted the message. Subscribers that cannot accept are dropped.
func (h *Hub[M]) Broadcast(runID string, msg M) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	var dropped []*Subscription[M]
	delivered := 0
	for s := range h.subs[runID] {
		if s.offer(msg) {
			delivered++
			continue
		}
		dropped = append(dropped, s)
	}
	for _, s := range dropped {
		h.removeLocked(runID, s)
		if h.OnDrop != nil {
			h.OnDrop(runID)
		}
	}
	return delivered
}

// CloseRun disconnects every subscriber of runID, ending their streams.
func (h *Hub[M]) CloseRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[runID] {
		s.close()
	}
	delete(h.subs, runID)
}

// Count returns the number of subscribers registered for runID.
func (h *Hub[M]) Count(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}
