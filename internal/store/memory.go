package store

import (
	"context"
	"sync"
	"time"

	"mapserver/internal/models"
)

// MemoryStore keeps all session state in process memory. A per-session
// mutex serializes Apply so concurrent mutations against one session
// never lose updates; sessions do not block each other.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
}

type memoryEntry struct {
	mu      sync.Mutex
	state   models.MapState
	updated time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(sessionID string) *memoryEntry {
	s.mu.RLock()
	e, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[sessionID]; ok {
		return e
	}
	e = &memoryEntry{state: models.DefaultState(), updated: time.Now()}
	s.sessions[sessionID] = e
	return e
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (models.MapState, error) {
	e := s.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

func (s *MemoryStore) Apply(_ context.Context, sessionID string, mutate Mutation) (models.MapState, error) {
	e := s.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := mutate(e.state.Clone())
	if err != nil {
		return models.MapState{}, err
	}
	next.Version = e.state.Version + 1
	e.state = next
	e.updated = time.Now()
	return next.Clone(), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// SweepIdle evicts sessions whose last mutation is older than olderThan
// and returns how many were removed.
func (s *MemoryStore) SweepIdle(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.sessions {
		e.mu.Lock()
		stale := e.updated.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}
