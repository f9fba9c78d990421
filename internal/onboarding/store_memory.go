package onboarding

import (
	"context"
	"sync"
)

// InMemoryStore keeps flags in a map. Suitable for tests and single-device
// demo runs; production deployments pick Redis or Postgres.
type InMemoryStore struct {
	mu     sync.RWMutex
	flags  map[string]bool
	legacy *bool
}

// NewInMemoryStore creates an empty in-memory flag store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{flags: make(map[string]bool)}
}

func (s *InMemoryStore) Get(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[userID], nil
}

func (s *InMemoryStore) Set(_ context.Context, userID string, onboarded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[userID] = onboarded
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, userID)
	return nil
}

func (s *InMemoryStore) LegacyGlobal(_ context.Context) (bool, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.legacy == nil {
		return false, false, nil
	}
	return *s.legacy, true, nil
}

func (s *InMemoryStore) SetLegacyGlobal(_ context.Context, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy = &value
	return nil
}

func (s *InMemoryStore) ClearLegacy(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy = nil
	return nil
}
