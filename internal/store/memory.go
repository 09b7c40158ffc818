package store

import (
	"context"
	"sync"
	"time"

	"gwi.com/coursechat/internal/core"
)

// memoryStore expires a session once it has been neither read nor written for ttl.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*core.State
	accessed map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
}

func newMemoryStore(cfg *storeConfig) *memoryStore {
	return &memoryStore{
		sessions: make(map[string]*core.State),
		accessed: make(map[string]time.Time),
		ttl:      cfg.ttl,
		now:      cfg.now,
	}
}

func (s *memoryStore) expired(id string) bool {
	return s.now().Sub(s.accessed[id]) > s.ttl
}

func (s *memoryStore) Create(ctx context.Context, state *core.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	state.CreatedAt = now
	state.UpdatedAt = now
	state.Version = 1

	s.sessions[state.ID] = state.Clone()
	s.accessed[state.ID] = now
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*core.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.sessions[id]
	if !exists || s.expired(id) {
		return nil, nil
	}
	s.accessed[id] = s.now()
	return state.Clone(), nil
}

func (s *memoryStore) Update(ctx context.Context, state *core.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.sessions[state.ID]
	if !exists || s.expired(state.ID) {
		return ErrNotFound
	}
	if stored.Version != state.Version {
		return ErrVersionConflict
	}

	state.Version++
	state.UpdatedAt = s.now()
	s.sessions[state.ID] = state.Clone()
	s.accessed[state.ID] = state.UpdatedAt
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	delete(s.accessed, id)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = nil
	s.accessed = nil
	return nil
}
