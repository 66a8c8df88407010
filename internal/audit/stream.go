package audit

import (
	"sync"

	"planvault/internal/ledger"
)

// Stream fans recorded events out to live subscribers. Delivery is best
// effort: a subscriber that stops draining its channel loses events rather
// than blocking the recorder.
type Stream struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan ledger.Event
}

// NewStream creates an empty fan-out hub.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan ledger.Event)}
}

// Subscribe registers a listener and returns its channel together with a
// cancel function. The cancel function is idempotent.
func (s *Stream) Subscribe(buffer int) (<-chan ledger.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan ledger.Event, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber with room in its buffer.
func (s *Stream) Publish(ev ledger.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Len reports the current number of subscribers.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
