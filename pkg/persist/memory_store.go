package persist

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryStore implements TokenStore on an in-memory map. Values do not
// survive a process restart; it exists for tests and for ephemeral clients
// that deliberately start unauthenticated every launch.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]string),
	}
}

// Get retrieves the value for a key.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, ErrClosed
	}

	value, ok := s.values[key]
	return value, ok, nil
}

// Set stores a value under a key.
func (s *MemoryStore) Set(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.values[key] = value
	slog.Debug("Stored value", "key", key)
	return nil
}

// Remove deletes a key.
func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	delete(s.values, key)
	slog.Debug("Removed value", "key", key)
	return nil
}

// Close clears the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = nil
	s.closed = true
	return nil
}

var _ TokenStore = (*MemoryStore)(nil)
