// Package scanner runs the periodic per-entity workers: claim a batch from the
// backlog, process it with bounded parallelism, repeat until the day's backlog is
// exhausted, then idle.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/frontier"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// BatchClaimer hands out exclusively held batches of ids.
type BatchClaimer interface {
	GetNextBatch(ctx context.Context) ([]int64, error)
}

// Config controls Scanner behavior.
type Config struct {
	Parallelism      int
	IdleDelay        time.Duration
	ErrorBackoff     time.Duration
	RateLimitBackoff time.Duration
}

// Validate checks the scanner configuration.
func (c Config) Validate() error {
	if c.Parallelism <= 0 {
		return fmt.Errorf("scanner: parallelism must be positive, got %d", c.Parallelism)
	}
	if c.IdleDelay <= 0 || c.ErrorBackoff <= 0 || c.RateLimitBackoff <= 0 {
		return errors.New("scanner: idle delay and backoffs must be positive")
	}
	return nil
}

// Scanner is one periodic worker loop.
type Scanner struct {
	name      string
	claimer   BatchClaimer
	processor Processor
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Scanner named after its worker kind.
func New(name string, claimer BatchClaimer, processor Processor, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Scanner, error) {
	if claimer == nil || processor == nil || clock == nil {
		return nil, errors.New("scanner: claimer, processor, and clock are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		name:      name,
		claimer:   claimer,
		processor: processor,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("scanner").With(zap.String("worker", name)),
	}, nil
}

// Name identifies the runner in logs.
func (s *Scanner) Name() string {
	return s.name
}

// Run blocks, claiming and processing batches until the context finishes.
func (s *Scanner) Run(ctx context.Context) error {
	for {
		batch, err := s.claimer.GetNextBatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Error("claim batch failed", zap.Error(err))
			if s.pause(ctx, "error", s.cfg.ErrorBackoff) != nil {
				return nil
			}
			continue
		}
		if len(batch) == 0 {
			if s.idle(ctx) != nil {
				return nil
			}
			continue
		}

		err = s.processBatch(ctx, batch)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case errors.Is(err, crawler.ErrRateLimited):
			s.logger.Warn("rate limited; batch aborted", zap.Int("batch", len(batch)))
			if s.pause(ctx, "rate_limited", s.cfg.RateLimitBackoff) != nil {
				return nil
			}
		case err != nil:
			s.logger.Error("batch failed", zap.Error(err))
			if s.pause(ctx, "error", s.cfg.ErrorBackoff) != nil {
				return nil
			}
		}
	}
}

// processBatch fans the batch out to the processor. Single-id failures are logged
// and left for the lease to expire; a rate limit stops the whole batch.
func (s *Scanner) processBatch(ctx context.Context, batch []int64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, id := range batch {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := s.processor.Process(gctx, id)
			switch {
			case err == nil:
				metrics.ObserveProcessed(s.name, "ok")
				return nil
			case errors.Is(err, crawler.ErrRateLimited):
				metrics.ObserveProcessed(s.name, "rate_limited")
				return fmt.Errorf("id %d: %w", id, err)
			default:
				metrics.ObserveProcessed(s.name, "error")
				if gctx.Err() == nil {
					s.logger.Error("process id failed", zap.Int64("id", id), zap.Error(err))
				}
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("process batch: %w", err)
	}
	s.logger.Debug("batch done", zap.Int("size", len(batch)))
	return nil
}

// idle waits for new backlog, never past the next UTC day boundary.
func (s *Scanner) idle(ctx context.Context) error {
	now := s.clock.Now()
	d := s.cfg.IdleDelay
	if untilMidnight := frontier.NextMidnight(now).Sub(now); untilMidnight < d {
		d = untilMidnight
	}
	s.logger.Debug("backlog exhausted", zap.Duration("idle", d))
	return s.clock.Sleep(ctx, d)
}

func (s *Scanner) pause(ctx context.Context, reason string, d time.Duration) error {
	metrics.ObserveBackoff(s.name, reason, d)
	if err := s.clock.Sleep(ctx, d); err != nil {
		return fmt.Errorf("backoff: %w", err)
	}
	return nil
}
