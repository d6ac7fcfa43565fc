// Package prefetch keeps a bounded window of concurrent page fetches ahead of the
// explorer so network latency overlaps with parsing and admission.
package prefetch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/frontier"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

type flight struct {
	url    string
	cancel context.CancelFunc
}

type completion struct {
	seq    uint64
	result crawler.FetchResult
}

// Pipeline claims URLs from the frontier and fetches up to depth of them at once.
// It is driven by a single consumer; the window is only touched from GetNext and
// Abort, never from the fetch goroutines.
type Pipeline struct {
	frontier crawler.Frontier
	fetcher  crawler.Fetcher
	depth    int
	logger   *zap.Logger

	seq     uint64
	window  map[uint64]flight
	results chan completion
}

// New builds a Pipeline with the given window depth.
func New(f crawler.Frontier, fetcher crawler.Fetcher, depth int, logger *zap.Logger) (*Pipeline, error) {
	if f == nil || fetcher == nil {
		return nil, errors.New("prefetch: frontier and fetcher are required")
	}
	if depth <= 0 {
		return nil, fmt.Errorf("prefetch: depth must be positive, got %d", depth)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		frontier: f,
		fetcher:  fetcher,
		depth:    depth,
		logger:   logger.Named("prefetch"),
		window:   make(map[uint64]flight, depth),
		results:  make(chan completion, depth),
	}, nil
}

// InFlight reports how many fetches are currently in the window.
func (p *Pipeline) InFlight() int {
	return len(p.window)
}

// GetNext returns the next completed fetch in completion order. ok is false when the
// window is empty and the frontier has nothing left to claim. A rate-limited result
// cancels every other in-flight reservation and empties the window before it is
// returned; the returned URL's own reservation is left to the caller.
func (p *Pipeline) GetNext(ctx context.Context) (crawler.FetchResult, bool, error) {
	if err := p.topUp(ctx); err != nil {
		return crawler.FetchResult{}, false, err
	}
	if len(p.window) == 0 {
		return crawler.FetchResult{}, false, nil
	}

	for {
		var done completion
		select {
		case <-ctx.Done():
			return crawler.FetchResult{}, false, ctx.Err()
		case done = <-p.results:
		}

		f, live := p.window[done.seq]
		if !live {
			// Result of a fetch that was already cancelled.
			continue
		}
		delete(p.window, done.seq)
		f.cancel()

		if done.result.Kind == crawler.FetchRateLimited {
			n, err := p.Abort(ctx)
			fields := []zap.Field{zap.String("url", done.result.URL), zap.Int("cancelled", n)}
			if err != nil {
				p.logger.Error("cancel in-flight reservations after rate limit", append(fields, zap.Error(err))...)
			} else {
				p.logger.Warn("rate limited; cleared prefetch window", fields...)
			}
			return done.result, true, nil
		}

		if err := p.topUp(ctx); err != nil {
			// The next call retries the top up and surfaces the error then.
			p.logger.Warn("refill prefetch window", zap.Error(err))
		}
		return done.result, true, nil
	}
}

// Abort cancels every in-flight fetch and returns their reservations to the frontier.
// It reports how many reservations were released.
func (p *Pipeline) Abort(ctx context.Context) (int, error) {
	if len(p.window) == 0 {
		return 0, nil
	}
	urls := make([]string, 0, len(p.window))
	for seq, f := range p.window {
		f.cancel()
		urls = append(urls, f.url)
		delete(p.window, seq)
	}
	metrics.SetPrefetchInFlight(0)

	n, err := p.frontier.CancelReservations(ctx, urls)
	metrics.ObserveCancelled(n)
	if err != nil {
		return n, fmt.Errorf("prefetch: cancel %d reservations: %w", len(urls), err)
	}
	return n, nil
}

func (p *Pipeline) topUp(ctx context.Context) error {
	defer func() { metrics.SetPrefetchInFlight(len(p.window)) }()
	for len(p.window) < p.depth {
		url, ok, err := frontier.Claim(ctx, p.frontier)
		if err != nil {
			return fmt.Errorf("prefetch: %w", err)
		}
		if !ok {
			return nil
		}
		p.start(ctx, url)
	}
	return nil
}

func (p *Pipeline) start(ctx context.Context, url string) {
	p.seq++
	seq := p.seq
	fctx, cancel := context.WithCancel(ctx)
	p.window[seq] = flight{url: url, cancel: cancel}

	go func() {
		res := p.fetcher.FetchRaw(fctx, url)
		if res.URL == "" {
			res.URL = url
		}
		select {
		case p.results <- completion{seq: seq, result: res}:
		case <-fctx.Done():
		}
	}()
}
