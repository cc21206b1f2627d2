package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendaro/crosslist/internal/service/ratelimit"
	"github.com/vendaro/crosslist/pkg/clockx"
)

func newRedisLimiter(t *testing.T, clock clockx.Clock, fn ratelimit.LimitsFn) *ratelimit.RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return ratelimit.NewRedis(rdb, clock, fn, nil)
}

func TestRedisAcquireAndDeny(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	l := newRedisLimiter(t, clock, limits(2, 100, 1000))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Acquire(ctx, "ebay")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := l.Acquire(ctx, "ebay")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.Wait)
}

func TestRedisCheckDoesNotConsume(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	l := newRedisLimiter(t, clock, limits(1, 100, 1000))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		d, err := l.Check(ctx, "ebay")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.Acquire(ctx, "ebay")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisWindowReset(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	l := newRedisLimiter(t, clock, limits(1, 100, 1000))
	ctx := context.Background()

	d, err := l.Acquire(ctx, "ebay")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Acquire(ctx, "ebay")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	clock.Advance(61 * time.Second)
	d, err = l.Acquire(ctx, "ebay")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisSharedBudgetAcrossClients(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	mr := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdbA.Close(); _ = rdbB.Close() })

	a := ratelimit.NewRedis(rdbA, clock, limits(1, 100, 1000), nil)
	b := ratelimit.NewRedis(rdbB, clock, limits(1, 100, 1000), nil)
	ctx := context.Background()

	d, err := a.Acquire(ctx, "ebay")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = b.Acquire(ctx, "ebay")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "budget is shared across processes")
}
