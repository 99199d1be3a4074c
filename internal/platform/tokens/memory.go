package tokens

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tokens in process memory. It is used by tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	clock   func() time.Time
}

// NewMemoryStore constructs an empty store. A nil clock defaults to time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{entries: make(map[string]entry), clock: clock}
}

// Register implements Store.
func (s *MemoryStore) Register(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{Key: key, Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

// DeleteIfEquals implements Store.
func (s *MemoryStore) DeleteIfEquals(_ context.Context, key, expected string) (bool, error) {
	now := s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[key]
	if !ok || current.Value != expected || current.expired(now) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	removed := 0
	for key, current := range s.entries {
		if removed >= limit {
			break
		}
		if !current.expired(now) {
			continue
		}
		delete(s.entries, key)
		removed++
	}
	return removed, nil
}

// Len reports the number of entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
