package store

import (
	"sync"

	"github.com/psantana5/sessiond/pkg/models"
)

// MemoryStore is an in-memory implementation of the event store
type MemoryStore struct {
	mu     sync.RWMutex
	events []*models.Event
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make([]*models.Event, 0),
	}
}

// AppendEvent records one event
func (s *MemoryStore) AppendEvent(ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *ev
	s.events = append(s.events, &copied)
	return nil
}

// RecentEvents returns up to limit most recent events for key, newest first
func (s *MemoryStore) RecentEvents(key string, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].Key == key {
			copied := *s.events[i]
			out = append(out, &copied)
		}
	}
	return out, nil
}

// CountByOutcome returns event counts grouped by outcome
func (s *MemoryStore) CountByOutcome() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, ev := range s.events {
		counts[ev.Outcome]++
	}
	return counts, nil
}

// Prune deletes all but the newest keep events
func (s *MemoryStore) Prune(keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	if len(s.events) <= keep {
		return 0, nil
	}
	removed := int64(len(s.events) - keep)
	s.events = append([]*models.Event(nil), s.events[len(s.events)-keep:]...)
	return removed, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}
