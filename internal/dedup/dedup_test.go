package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAcquire(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.Acquire(ctx, "job/2026-10-19T08:05:00Z", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Acquire(ctx, "job/2026-10-19T08:05:00Z", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate key was acquired")

	ok, err = s.Acquire(ctx, "job/2026-10-19T08:10:00Z", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 2, s.Len())
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	ok, err := s.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(59 * time.Second)
	ok, err = s.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Second)
	assert.Equal(t, 0, s.Len())

	ok, err = s.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreRelease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "k"))

	ok, err := s.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreConcurrentAcquireSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var acquired atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ok, err := s.Acquire(ctx, "k", time.Minute)
			if err == nil && ok {
				acquired.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), acquired.Load())
}
