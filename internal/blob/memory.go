package blob

import (
	"context"
	"fmt"
	"sync"

	"videoloop/internal/apperrors"
)

// MemoryStore is an in-memory Store for tests and local experiments.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	puts    int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Get returns the stored bytes for key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, apperrors.NotFound("blob", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Put stores data under key, overwriting any previous value.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if !ValidKey(key) {
		return apperrors.Validation("key", fmt.Sprintf("invalid blob key %q", key))
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.objects[key] = cp
	s.puts++
	s.mu.Unlock()
	return nil
}

// Exists reports whether key is present.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Ready always succeeds.
func (s *MemoryStore) Ready(ctx context.Context) error {
	return nil
}

// PutCount returns the total number of writes, for asserting write counts in tests.
func (s *MemoryStore) PutCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

var _ Store = (*MemoryStore)(nil)
