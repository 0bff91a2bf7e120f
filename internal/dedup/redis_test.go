package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, prefix string) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	rdb, err := NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisStore(rdb, prefix), mr
}

func TestRedisStoreAcquire(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t, "")

	ok, err := s.Acquire(ctx, "job@2026-10-19T08:05:00Z", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Acquire(ctx, "job@2026-10-19T08:05:00Z", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate key was acquired")

	assert.True(t, mr.Exists("gotrigger:dispatch:job@2026-10-19T08:05:00Z"))
	assert.Equal(t, time.Minute, mr.TTL("gotrigger:dispatch:job@2026-10-19T08:05:00Z"))
}

func TestRedisStoreRelease(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t, "traffic")

	ok, err := s.Acquire(ctx, "job@2026-10-19T08:05:00Z", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("traffic:job@2026-10-19T08:05:00Z"))

	require.NoError(t, s.Release(ctx, "job@2026-10-19T08:05:00Z"))
	assert.False(t, mr.Exists("traffic:job@2026-10-19T08:05:00Z"))

	ok, err = s.Acquire(ctx, "job@2026-10-19T08:05:00Z", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "key was not acquirable after release")
}

func TestRedisStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t, "")

	ok, err := s.Acquire(ctx, "job@2026-10-19T08:05:00Z", 4*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(3 * time.Minute)

	ok, err = s.Acquire(ctx, "job@2026-10-19T08:05:00Z", 4*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "key expired before the window ended")

	mr.FastForward(time.Minute + time.Second)

	ok, err = s.Acquire(ctx, "job@2026-10-19T08:05:00Z", 4*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "key did not expire")
}

func TestNewRedisClientFailsOnUnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), addr, "", 0)
	assert.Error(t, err)
}
