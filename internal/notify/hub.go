package notify

import (
	"context"
	"sync"
)

// Hub is an in-process broadcaster. Slow subscribers lose events rather than
// blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	dedupe *seenSet
}

// NewHub constructs a Hub that suppresses events whose ID it has already
// delivered.
func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}, dedupe: newSeenSet(1024)}
}

// Subscribe registers a subscriber with the given buffer. The returned cancel
// func closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	if !h.dedupe.add(evt.ID) {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// seenSet remembers the most recent IDs up to a fixed capacity.
type seenSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	ids   map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{cap: capacity, ids: make(map[string]struct{}, capacity)}
}

// add records id and reports whether it was new. Empty IDs are never
// deduplicated.
func (s *seenSet) add(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.order = append(s.order, id)
	s.ids[id] = struct{}{}
	return true
}
