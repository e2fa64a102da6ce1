package dvsengine

import (
	"sync"
	"time"

	"github.com/sudorandom/dvs-stream/pkg/dvswire"
)

// DefaultStoreCapacity bounds the event history ring.
const DefaultStoreCapacity = 100_000

// EventStore is a bounded FIFO of decoded events shared between the receiver
// goroutine (writer) and render/diagnostic readers. All access goes through
// one mutex; when the ring is full the oldest event is evicted on insert.
type EventStore struct {
	mu    sync.Mutex
	ring  []dvswire.Event
	head  int // index of the oldest event
	count int
}

// NewEventStore creates a store holding at most capacity events.
// A non-positive capacity falls back to DefaultStoreCapacity.
func NewEventStore(capacity int) *EventStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &EventStore{ring: make([]dvswire.Event, capacity)}
}

// Cap returns the fixed capacity.
func (s *EventStore) Cap() int { return len(s.ring) }

// Len returns the current number of stored events.
func (s *EventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Insert appends one event, evicting the oldest when full.
func (s *EventStore) Insert(ev dvswire.Event) {
	s.mu.Lock()
	s.insertLocked(ev)
	s.mu.Unlock()
}

// InsertBatch appends a decoded packet's events under a single lock
// acquisition to bound contention at high packet rates.
func (s *EventStore) InsertBatch(events []dvswire.Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	for _, ev := range events {
		s.insertLocked(ev)
	}
	s.mu.Unlock()
}

func (s *EventStore) insertLocked(ev dvswire.Event) {
	if s.count == len(s.ring) {
		s.ring[s.head] = ev
		s.head = (s.head + 1) % len(s.ring)
		return
	}
	s.ring[(s.head+s.count)%len(s.ring)] = ev
	s.count++
}

// QueryWindow returns, in insertion order, every stored event whose
// ReceivedAt is within window of now. The scan and copy happen inside the
// lock, so the work there is kept to the copy itself; callers own the
// returned slice.
func (s *EventStore) QueryWindow(now time.Time, window time.Duration) []dvswire.Event {
	cutoff := now.Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dvswire.Event
	for i := 0; i < s.count; i++ {
		ev := s.ring[(s.head+i)%len(s.ring)]
		if !ev.ReceivedAt.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

// Clear empties the store. Operator-triggered reset only; eviction handles
// steady state.
func (s *EventStore) Clear() {
	s.mu.Lock()
	s.head, s.count = 0, 0
	s.mu.Unlock()
}
