// Package claim implements the batch claim protocol shared by periodic workers.
//
// Candidate ids come from a paginated backlog; each page is reserved in one atomic
// batch of check-and-set leases and the ids whose lease succeeded form the batch.
// Pages where every id is already leased by a concurrent worker are skipped so the
// caller always makes forward progress.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/frontier"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Config tunes a Claimer.
type Config struct {
	// Worker names the lease namespace; different workers claim the same id independently.
	Worker    string
	KeyPrefix string
	BatchSize int
	LeaseTTL  time.Duration
	Direction crawler.SortDirection
}

// Validate checks the claimer configuration.
func (c Config) Validate() error {
	if c.Worker == "" {
		return errors.New("claim: worker name is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("claim: batch size must be positive, got %d", c.BatchSize)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("claim: lease ttl must be positive, got %s", c.LeaseTTL)
	}
	if !c.Direction.Valid() {
		return fmt.Errorf("claim: invalid sort direction %q", c.Direction)
	}
	return nil
}

// Claimer hands out batches of backlog ids that no other worker of the same kind holds.
type Claimer struct {
	backlog crawler.Backlog
	leases  crawler.LeaseStore
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// New wires a Claimer.
func New(backlog crawler.Backlog, leases crawler.LeaseStore, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Claimer, error) {
	if backlog == nil || leases == nil || clock == nil {
		return nil, errors.New("claim: backlog, lease store, and clock are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Claimer{
		backlog: backlog,
		leases:  leases,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("claim").With(zap.String("worker", cfg.Worker)),
	}, nil
}

// LeaseKey builds the reservation key for id on day.
func (c *Claimer) LeaseKey(day string, id int64) string {
	if c.cfg.KeyPrefix == "" {
		return fmt.Sprintf("lease:%s:%s:%d", c.cfg.Worker, day, id)
	}
	return fmt.Sprintf("%s:lease:%s:%s:%d", c.cfg.KeyPrefix, c.cfg.Worker, day, id)
}

// GetNextBatch returns the next set of ids this worker now exclusively holds for the
// lease TTL. An empty result means the backlog is exhausted for today.
func (c *Claimer) GetNextBatch(ctx context.Context) ([]int64, error) {
	now := c.clock.Now()
	day := frontier.DayKey(now)
	cutoff := frontier.StartOfDay(now)

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := c.backlog.IDsNotProcessedSince(ctx, cutoff, page, c.cfg.BatchSize, c.cfg.Direction)
		if err != nil {
			return nil, fmt.Errorf("claim: fetch backlog page %d: %w", page, err)
		}
		if len(ids) == 0 {
			metrics.ObserveBatchClaim(c.cfg.Worker, 0, page)
			c.logger.Debug("backlog exhausted", zap.Int("pages", page))
			return nil, nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = c.LeaseKey(day, id)
		}
		acquired, err := c.leases.ReserveBatch(ctx, keys, c.cfg.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("claim: reserve page %d: %w", page, err)
		}
		if len(acquired) != len(ids) {
			return nil, fmt.Errorf("claim: lease store answered %d of %d keys", len(acquired), len(ids))
		}

		claimed := make([]int64, 0, len(ids))
		for i, ok := range acquired {
			if ok {
				claimed = append(claimed, ids[i])
			}
		}
		if len(claimed) > 0 {
			metrics.ObserveBatchClaim(c.cfg.Worker, len(claimed), page)
			c.logger.Debug("claimed batch",
				zap.Int("page", page),
				zap.Int("candidates", len(ids)),
				zap.Int("claimed", len(claimed)),
			)
			return claimed, nil
		}
		c.logger.Debug("page fully claimed elsewhere", zap.Int("page", page))
	}
}
