package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists webhook events. Lookups return (nil, nil) when nothing matches.
type Store interface {
	Save(ctx context.Context, e *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	// FindProcessed returns a processed event carrying fingerprint, if any.
	FindProcessed(ctx context.Context, fingerprint string) (*Event, error)
	// Update writes e only if the stored version equals expected.
	Update(ctx context.Context, e *Event, expected int) error
	// Due returns verified, unprocessed, live events whose next retry is not after now.
	Due(ctx context.Context, now time.Time, limit int) ([]Event, error)
	List(ctx context.Context, f Filter) ([]Event, error)
}

// MemoryStore keeps events in process.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: map[string]*Event{}}
}

func (s *MemoryStore) Save(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = clone(e)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.events[id]), nil
}

func (s *MemoryStore) FindProcessed(_ context.Context, fingerprint string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.Processed && e.Fingerprint == fingerprint {
			return clone(e), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Update(_ context.Context, e *Event, expected int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[e.ID]
	if !ok || cur.Version != expected {
		return ErrVersionMismatch
	}
	s.events[e.ID] = clone(e)
	return nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0)
	for _, e := range s.events {
		if e.Due(now) {
			out = append(out, *clone(e))
		}
	}
	sortByNextRetry(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0)
	for _, e := range s.events {
		if f.matches(e) {
			out = append(out, *clone(e))
		}
	}
	return limitNewestFirst(out, f.Limit), nil
}

func sortByNextRetry(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].NextRetryAt.Before(*events[j].NextRetryAt)
	})
}

func limitNewestFirst(events []Event, limit int) []Event {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID > events[j].ID
		}
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}
