// Package memory provides in-process frontier and lease stores for single-process
// runs and tests. They honor the same atomicity contract as the Redis stores by
// serializing every operation behind one mutex.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/frontier"
)

type partition struct {
	toExplore map[string]struct{}
	explored  map[string]struct{}
	leases    map[string]time.Time
	expiresAt time.Time
}

func newPartition() *partition {
	return &partition{
		toExplore: make(map[string]struct{}),
		explored:  make(map[string]struct{}),
		leases:    make(map[string]time.Time),
	}
}

// Frontier is an in-memory crawler.Frontier.
type Frontier struct {
	mu        sync.Mutex
	clock     crawler.Clock
	leaseTTL  time.Duration
	retention time.Duration
	days      map[string]*partition
}

// NewFrontier constructs a Frontier. leaseTTL bounds how long a claimed URL can
// be cancelled back into the frontier; retention is applied by Finalize.
func NewFrontier(clock crawler.Clock, leaseTTL, retention time.Duration) *Frontier {
	return &Frontier{
		clock:     clock,
		leaseTTL:  leaseTTL,
		retention: retention,
		days:      make(map[string]*partition),
	}
}

// today returns the current partition, creating it on first use. Callers hold mu.
func (f *Frontier) today() (*partition, time.Time) {
	now := f.clock.Now()
	for day, p := range f.days {
		if !p.expiresAt.IsZero() && !now.Before(p.expiresAt) {
			delete(f.days, day)
		}
	}
	key := frontier.DayKey(now)
	p, ok := f.days[key]
	if !ok {
		p = newPartition()
		// Bound a partition that is never finalized to the day plus retention.
		p.expiresAt = frontier.NextMidnight(now).Add(f.retention)
		f.days[key] = p
	}
	return p, now
}

// Seed admits the starting URLs.
func (f *Frontier) Seed(ctx context.Context, urls []string) error {
	_, err := f.AdmitDiscovered(ctx, urls)
	return err
}

// ClaimNext removes an arbitrary URL from ToExplore.
func (f *Frontier) ClaimNext(_ context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _ := f.today()
	for u := range p.toExplore {
		delete(p.toExplore, u)
		return u, true, nil
	}
	return "", false, nil
}

// TryMarkExplored adds url to Explored and leases it if it was not already there.
func (f *Frontier) TryMarkExplored(_ context.Context, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, now := f.today()
	if _, ok := p.explored[url]; ok {
		return false, nil
	}
	p.explored[url] = struct{}{}
	p.leases[url] = now.Add(f.leaseTTL)
	return true, nil
}

// Release drops the lease on url.
func (f *Frontier) Release(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _ := f.today()
	delete(p.leases, url)
	return nil
}

// AdmitDiscovered adds every candidate not yet explored to ToExplore and returns them.
func (f *Frontier) AdmitDiscovered(_ context.Context, urls []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _ := f.today()
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		if _, done := p.explored[u]; done {
			continue
		}
		p.toExplore[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

// Finalize schedules the partition of day for removal after the retention period.
func (f *Frontier) Finalize(_ context.Context, day string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, now := f.today()
	if p, ok := f.days[day]; ok {
		p.expiresAt = now.Add(f.retention)
	}
	return nil
}

// CancelReservations returns URLs whose lease is still live to ToExplore.
func (f *Frontier) CancelReservations(_ context.Context, urls []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, now := f.today()
	released := 0
	for _, u := range urls {
		expires, ok := p.leases[u]
		if !ok {
			continue
		}
		delete(p.leases, u)
		if !now.Before(expires) {
			continue
		}
		delete(p.explored, u)
		p.toExplore[u] = struct{}{}
		released++
	}
	return released, nil
}

// Snapshot returns copies of today's ToExplore and Explored sets.
func (f *Frontier) Snapshot() (toExplore, explored []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _ := f.today()
	for u := range p.toExplore {
		toExplore = append(toExplore, u)
	}
	for u := range p.explored {
		explored = append(explored, u)
	}
	return toExplore, explored
}
