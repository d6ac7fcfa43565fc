// Package ratelimit throttles outbound fetches with a token bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Config holds rate limiter configuration. A non-positive RPS disables limiting.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// Limiter manages per-host token buckets.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the URL's host or ctx is done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	start := time.Now()
	if err := l.forHost(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = lim
	}
	return lim
}

// Fetcher waits on a Limiter before delegating each fetch.
type Fetcher struct {
	next    crawler.Fetcher
	limiter *Limiter
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// Wrap returns next guarded by l.
func Wrap(next crawler.Fetcher, l *Limiter) *Fetcher {
	return &Fetcher{next: next, limiter: l}
}

// FetchRaw implements crawler.Fetcher. A wait cut short by ctx is reported as a
// transport error so callers treat it like any other aborted request.
func (f *Fetcher) FetchRaw(ctx context.Context, rawURL string) crawler.FetchResult {
	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return crawler.FetchResult{URL: rawURL, Kind: crawler.FetchTransportError, Cause: err}
	}
	return f.next.FetchRaw(ctx, rawURL)
}
