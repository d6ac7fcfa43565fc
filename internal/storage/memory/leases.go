package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// LeaseStore is an in-memory crawler.LeaseStore.
type LeaseStore struct {
	mu     sync.Mutex
	clock  crawler.Clock
	leases map[string]time.Time
}

// NewLeaseStore constructs a LeaseStore.
func NewLeaseStore(clock crawler.Clock) *LeaseStore {
	return &LeaseStore{clock: clock, leases: make(map[string]time.Time)}
}

// ReserveBatch acquires every key that is absent or expired.
func (s *LeaseStore) ReserveBatch(_ context.Context, keys []string, ttl time.Duration) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	out := make([]bool, len(keys))
	for i, k := range keys {
		if expires, ok := s.leases[k]; ok && now.Before(expires) {
			continue
		}
		s.leases[k] = now.Add(ttl)
		out[i] = true
	}
	return out, nil
}
