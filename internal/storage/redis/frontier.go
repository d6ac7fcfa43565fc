package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/frontier"
)

// markScript adds ARGV[1] to the explored set and leases it, only if it was absent.
// A set without an expiry gets the backstop TTL ARGV[3] so an unfinalized day
// still ages out.
var markScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
	redis.call('SET', KEYS[2], '1', 'PX', ARGV[2])
	if redis.call('PTTL', KEYS[1]) == -1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[3])
	end
	return 1
end
return 0
`)

// cancelScript moves a still-leased URL from explored back to explore.
var cancelScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 1 then
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('SADD', KEYS[3], ARGV[1])
	if redis.call('PTTL', KEYS[3]) == -1 then
		redis.call('PEXPIRE', KEYS[3], ARGV[2])
	end
	return 1
end
return 0
`)

// Frontier implements crawler.Frontier on Redis sets.
type Frontier struct {
	client    redis.UniversalClient
	clock     crawler.Clock
	prefix    string
	leaseTTL  time.Duration
	retention time.Duration
}

// FrontierConfig tunes the Redis frontier.
type FrontierConfig struct {
	KeyPrefix string
	LeaseTTL  time.Duration
	Retention time.Duration
}

// NewFrontier constructs a Frontier.
func NewFrontier(client redis.UniversalClient, clock crawler.Clock, cfg FrontierConfig) (*Frontier, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "catalog"
	}
	if cfg.LeaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be > 0")
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("retention must be > 0")
	}
	return &Frontier{
		client:    client,
		clock:     clock,
		prefix:    cfg.KeyPrefix,
		leaseTTL:  cfg.LeaseTTL,
		retention: cfg.Retention,
	}, nil
}

func (f *Frontier) keys() frontier.Keys {
	return frontier.KeysFor(f.prefix, frontier.DayKey(f.clock.Now()))
}

// backstop is how long today's sets may live if Finalize never runs for them:
// the rest of the day plus the retention period.
func (f *Frontier) backstop() time.Duration {
	now := f.clock.Now()
	return frontier.NextMidnight(now).Add(f.retention).Sub(now)
}

// Seed admits the starting URLs.
func (f *Frontier) Seed(ctx context.Context, urls []string) error {
	if _, err := f.AdmitDiscovered(ctx, urls); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	return nil
}

// ClaimNext pops one arbitrary URL with SPOP.
func (f *Frontier) ClaimNext(ctx context.Context) (string, bool, error) {
	url, err := f.client.SPop(ctx, f.keys().ToExplore()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("spop: %w", err)
	}
	return url, true, nil
}

// TryMarkExplored adds url to Explored and leases it in one script call.
func (f *Frontier) TryMarkExplored(ctx context.Context, url string) (bool, error) {
	k := f.keys()
	added, err := markScript.Run(ctx, f.client,
		[]string{k.Explored(), k.Lease(url)},
		url, f.leaseTTL.Milliseconds(), f.backstop().Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("mark explored: %w", err)
	}
	return added == 1, nil
}

// Release deletes the lease on url.
func (f *Frontier) Release(ctx context.Context, url string) error {
	if err := f.client.Del(ctx, f.keys().Lease(url)).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// AdmitDiscovered stages the candidates in a holding set, subtracts Explored,
// unions the remainder into ToExplore and returns it, all inside one transaction.
func (f *Frontier) AdmitDiscovered(ctx context.Context, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	k := f.keys()
	hold := k.Holding(uuid.NewString())
	members := make([]any, len(urls))
	for i, u := range urls {
		members[i] = u
	}

	backstop := f.backstop()
	var diff *redis.StringSliceCmd
	_, err := f.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, hold, members...)
		pipe.SDiffStore(ctx, hold, hold, k.Explored())
		pipe.SUnionStore(ctx, k.ToExplore(), k.ToExplore(), hold)
		// SUNIONSTORE drops any expiry on the destination.
		pipe.PExpire(ctx, k.ToExplore(), backstop)
		diff = pipe.SMembers(ctx, hold)
		pipe.Del(ctx, hold)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("admit discovered: %w", err)
	}
	return diff.Val(), nil
}

// Finalize sets the retention expiry on the sets of day.
func (f *Frontier) Finalize(ctx context.Context, day string) error {
	k := frontier.KeysFor(f.prefix, day)
	_, err := f.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, k.Explored(), f.retention)
		pipe.Expire(ctx, k.ToExplore(), f.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

// CancelReservations requeues every URL whose lease is still live. It keeps going
// after individual failures and reports them joined.
func (f *Frontier) CancelReservations(ctx context.Context, urls []string) (int, error) {
	k := f.keys()
	backstop := f.backstop()
	released := 0
	var errs []error
	for _, u := range urls {
		n, err := cancelScript.Run(ctx, f.client,
			[]string{k.Lease(u), k.Explored(), k.ToExplore()},
			u, backstop.Milliseconds(),
		).Int()
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", u, err))
			continue
		}
		released += n
	}
	return released, errors.Join(errs...)
}
