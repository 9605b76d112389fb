package events

import (
	"context"
	"sort"
	"sync"
)

// Store persists events durably. Events are terminal once processed
// and are retained for audit.
type Store interface {
	// Append stores a new event. A payload that does not match the
	// envelope's Type is rejected with ErrPayloadMismatch.
	Append(ctx context.Context, e *Event) error

	// Get returns an event by ID, or ErrEventNotFound.
	Get(ctx context.Context, id string) (*Event, error)

	// FetchUnprocessed returns up to limit unprocessed events ordered
	// by (priority ascending, created_at ascending).
	FetchUnprocessed(ctx context.Context, limit int) ([]Event, error)

	// Update persists the event's processed/retry/error bookkeeping.
	Update(ctx context.Context, e *Event) error
}

// MemoryStore is an in-memory Store for tests and local mode.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (s *MemoryStore) Append(ctx context.Context, e *Event) error {
	if err := e.checkPayload(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *e
	s.events[e.ID] = &dup
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	dup := *e
	return &dup, nil
}

func (s *MemoryStore) FetchUnprocessed(ctx context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if !e.Processed {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		return ErrEventNotFound
	}
	dup := *e
	s.events[e.ID] = &dup
	return nil
}
