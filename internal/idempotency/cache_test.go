package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoMemoizesResult(t *testing.T) {
	ctx := context.Background()
	c := New(10, time.Minute)

	var calls int32
	fn := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		return "run-1", nil
	}

	v, cached, err := c.Do(ctx, "key-1", fn)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "run-1", v)

	v, cached, err = c.Do(ctx, "key-1", fn)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "run-1", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoMemoizesErrors(t *testing.T) {
	ctx := context.Background()
	c := New(10, time.Minute)

	sentinel := errors.New("insufficient credits")
	var calls int32

	_, _, err := c.Do(ctx, "key-1", func() (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, sentinel
	})
	require.ErrorIs(t, err, sentinel)

	// The same key replays the same failure without side effects.
	_, cached, err := c.Do(ctx, "key-1", func() (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})
	assert.True(t, cached)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoRejectsEmptyKey(t *testing.T) {
	_, _, err := New(10, time.Minute).Do(context.Background(), "", func() (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestDoConcurrentDuplicatesExecuteOnce(t *testing.T) {
	ctx := context.Background()
	c := New(10, time.Minute)

	var calls int32
	release := make(chan struct{})
	fn := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "result", nil
	}

	const waiters = 5
	var wg sync.WaitGroup
	values := make([]any, waiters)
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func(i int) {
			defer wg.Done()
			v, _, err := c.Do(ctx, "key-1", fn)
			assert.NoError(t, err)
			values[i] = v
		}(i)
	}

	// Give the goroutines time to pile onto the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range values {
		assert.Equal(t, "result", v)
	}
}

func TestDoDoesNotCacheContextCancellation(t *testing.T) {
	c := New(10, time.Minute)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.Do(context.Background(), "key-1", func() (any, error) {
		return nil, cancelled.Err()
	})
	require.Error(t, err)

	// The key is free for the retry.
	v, cached, err := c.Do(context.Background(), "key-1", func() (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "ok", v)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := New(10, 50*time.Millisecond)

	var calls int32
	fn := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}

	_, _, err := c.Do(ctx, "key-1", fn)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	_, cached, err := c.Do(ctx, "key-1", fn)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
