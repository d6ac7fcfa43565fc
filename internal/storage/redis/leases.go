package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseStore implements crawler.LeaseStore with SET NX PX.
type LeaseStore struct {
	client redis.UniversalClient
}

// NewLeaseStore constructs a LeaseStore.
func NewLeaseStore(client redis.UniversalClient) *LeaseStore {
	return &LeaseStore{client: client}
}

// ReserveBatch issues one SETNX per key inside a single MULTI/EXEC.
func (s *LeaseStore) ReserveBatch(ctx context.Context, keys []string, ttl time.Duration) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.BoolCmd, len(keys))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.SetNX(ctx, k, "1", ttl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserve batch: %w", err)
	}
	out := make([]bool, len(keys))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}
