package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisLeaseStoreReserveBatch(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewLeaseStore(client)
	ctx := context.Background()

	got, err := s.ReserveBatch(ctx, []string{"k1", "k2"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []bool{true, true}, got)

	got, err = s.ReserveBatch(ctx, []string{"k2", "k3"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []bool{false, true}, got)
	require.Equal(t, time.Minute, mr.TTL("k3"))

	mr.FastForward(time.Minute)
	got, err = s.ReserveBatch(ctx, []string{"k1", "k2", "k3"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []bool{true, true, true}, got)

	got, err = s.ReserveBatch(ctx, nil, time.Minute)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestConnectRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{})
	require.Error(t, err)
}

func TestConnectPings(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Close())
}
