package cache

import (
	"context"
	"sync"
	"time"
)

// ProcessedStore remembers which provider callbacks were already handled.
// It is a fast path for redelivered IPNs only: the transaction store's
// conditional update is what actually guarantees idempotence, so a store that
// forgets (restart, redis outage) costs a redundant status query, not a
// double fulfillment.
type ProcessedStore interface {
	// MarkProcessed records eventID as handled for ttl. Idempotent.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
	// IsProcessed reports whether eventID was handled and the ttl has not
	// lapsed.
	IsProcessed(ctx context.Context, eventID string) (bool, error)
}

// MemoryProcessedStore is the in-memory ProcessedStore used in tests and when
// redis is not configured.
type MemoryProcessedStore struct {
	mu     sync.Mutex
	events map[string]time.Time // eventID -> expiresAt
	clock  func() time.Time
}

func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{
		events: make(map[string]time.Time),
		clock:  time.Now,
	}
}

func (s *MemoryProcessedStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	s.events[eventID] = s.clock().Add(ttl)
	return nil
}

func (s *MemoryProcessedStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.events[eventID]
	if !ok {
		return false, nil
	}
	if s.clock().After(expiresAt) {
		delete(s.events, eventID)
		return false, nil
	}
	return true, nil
}

// sweepLocked lazily drops expired entries so the map doesn't grow forever.
func (s *MemoryProcessedStore) sweepLocked() {
	now := s.clock()
	for id, expiresAt := range s.events {
		if now.After(expiresAt) {
			delete(s.events, id)
		}
	}
}
