package outage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Entries expire after the TTL and are
// purged lazily.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	m       sync.RWMutex
	entries map[string]time.Time
}

// NewMemoryStore creates a MemoryStore whose entries live for ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]time.Time{},
	}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, client, target string) error {
	s.m.Lock()
	defer s.m.Unlock()

	now := s.now()
	for k, expires := range s.entries {
		if !expires.After(now) {
			delete(s.entries, k)
		}
	}
	s.entries[key(client, target)] = now.Add(s.ttl)
	return nil
}

// Failed implements Store.
func (s *MemoryStore) Failed(_ context.Context, client, target string) (bool, error) {
	s.m.RLock()
	expires, ok := s.entries[key(client, target)]
	s.m.RUnlock()

	return ok && expires.After(s.now()), nil
}

// Forget implements Store.
func (s *MemoryStore) Forget(_ context.Context, client, target string) error {
	s.m.Lock()
	defer s.m.Unlock()

	delete(s.entries, key(client, target))
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
