package tokens

import (
	"context"
	"sync"

	"github.com/vidfriends/livesched/internal/models"
)

// NewInMemoryStore returns a Store backed by an in-memory map.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{grants: make(map[string]models.StreamToken)}
}

// InMemoryStore implements Store for tests and local development.
type InMemoryStore struct {
	mu     sync.RWMutex
	grants map[string]models.StreamToken
}

// Save persists the grant under digest.
func (s *InMemoryStore) Save(_ context.Context, digest string, grant models.StreamToken) error {
	s.mu.Lock()
	s.grants[digest] = grant
	s.mu.Unlock()
	return nil
}

// Find retrieves the grant stored under digest.
func (s *InMemoryStore) Find(_ context.Context, digest string) (models.StreamToken, error) {
	s.mu.RLock()
	grant, ok := s.grants[digest]
	s.mu.RUnlock()
	if !ok {
		return models.StreamToken{}, ErrTokenNotFound
	}
	return grant, nil
}

// Delete removes the grant stored under digest.
func (s *InMemoryStore) Delete(_ context.Context, digest string) error {
	s.mu.Lock()
	delete(s.grants, digest)
	s.mu.Unlock()
	return nil
}

// DeleteStream removes every grant issued for streamID.
func (s *InMemoryStore) DeleteStream(_ context.Context, streamID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for digest, grant := range s.grants {
		if grant.StreamID == streamID {
			delete(s.grants, digest)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many grants are stored. Useful for tests.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.grants)
}
