package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

// fakeClock drives the memory queue's lazy lease expiry.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMemory(cfg Config) (*Memory, *fakeClock) {
	q := NewMemory(cfg)
	clock := &fakeClock{now: time.Now()}
	q.nowFn = clock.Now
	return q, clock
}

func item(id string, class orc.Priority) *WorkItem {
	return &WorkItem{
		ID:       id,
		Entity:   orc.EntityStep,
		EntityID: "step-" + id,
		Priority: class,
	}
}

func TestMemoryFIFOWithinClass(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemory(Config{})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, item(id, orc.PriorityStandard)))
	}

	for _, want := range []string{"a", "b", "c"} {
		lease, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, lease.Item.ID)
		require.NoError(t, q.Ack(ctx, lease))
	}

	_, err := q.Claim(ctx)
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestMemoryPriorityAcrossClasses(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemory(Config{})

	require.NoError(t, q.Enqueue(ctx, item("batch", orc.PriorityBatch)))
	require.NoError(t, q.Enqueue(ctx, item("standard", orc.PriorityStandard)))
	require.NoError(t, q.Enqueue(ctx, item("interactive", orc.PriorityInteractive)))

	for _, want := range []string{"interactive", "standard", "batch"} {
		lease, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, lease.Item.ID)
		require.NoError(t, q.Ack(ctx, lease))
	}
}

func TestMemoryBackpressureAtCeiling(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemory(Config{MaxDepth: 2})

	require.NoError(t, q.Enqueue(ctx, item("a", orc.PriorityStandard)))
	require.NoError(t, q.Enqueue(ctx, item("b", orc.PriorityStandard)))

	err := q.Enqueue(ctx, item("c", orc.PriorityStandard))
	require.Error(t, err)
	assert.Equal(t, orc.KindBackpressure, orc.KindOf(err))

	// Other classes have their own ceiling.
	assert.NoError(t, q.Enqueue(ctx, item("d", orc.PriorityBatch)))
}

func TestMemoryLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestMemory(Config{Visibility: 10 * time.Second, MaxRetries: 3})

	require.NoError(t, q.Enqueue(ctx, item("a", orc.PriorityStandard)))

	lease, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lease.Attempt)

	// The worker dies; the lease lapses and the item is re-claimable
	// with its retry count incremented.
	clock.Advance(11 * time.Second)

	release, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", release.Item.ID)
	assert.Equal(t, 2, release.Attempt)

	// The dead worker's stale lease can no longer ack.
	err = q.Ack(ctx, lease)
	assert.ErrorIs(t, err, ErrLeaseNotHeld)

	// The live one can.
	assert.NoError(t, q.Ack(ctx, release))
}

func TestMemoryExtendKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestMemory(Config{Visibility: 10 * time.Second})

	require.NoError(t, q.Enqueue(ctx, item("a", orc.PriorityStandard)))
	lease, err := q.Claim(ctx)
	require.NoError(t, err)

	// Heartbeat every 8s past two lease windows.
	for i := 0; i < 3; i++ {
		clock.Advance(8 * time.Second)
		require.NoError(t, q.Extend(ctx, lease))
	}

	// Still exclusively owned: nothing to reclaim.
	_, err = q.Claim(ctx)
	assert.ErrorIs(t, err, ErrNoWork)
	assert.NoError(t, q.Ack(ctx, lease))
}

func TestMemoryNackRequeuesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestMemory(Config{
		MaxRetries: 3,
		Retry:      RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, JitterFraction: 0.1},
	})

	require.NoError(t, q.Enqueue(ctx, item("a", orc.PriorityStandard)))
	lease, err := q.Claim(ctx)
	require.NoError(t, err)

	dead, err := q.Nack(ctx, lease, errors.New("tool timeout"))
	require.NoError(t, err)
	assert.False(t, dead)

	// Not yet visible: backoff delay applies.
	_, err = q.Claim(ctx)
	assert.ErrorIs(t, err, ErrNoWork)

	clock.Advance(2 * time.Second)
	release, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, release.Attempt)
}

func TestMemoryDeadLetterAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestMemory(Config{
		MaxRetries: 3,
		Retry:      RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, JitterFraction: 0.1},
	})

	require.NoError(t, q.Enqueue(ctx, item("a", orc.PriorityStandard)))

	var dead bool
	for attempt := 1; attempt <= 3; attempt++ {
		clock.Advance(time.Second)
		lease, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Equal(t, attempt, lease.Attempt)

		dead, err = q.Nack(ctx, lease, errors.New("permission denied"))
		require.NoError(t, err)
	}
	assert.True(t, dead, "third failure must dead-letter")

	// Never silently dropped: the dead letter carries the history.
	letters, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "a", letters[0].Item.ID)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Len(t, letters[0].ErrorHistory, 3)

	_, err = q.Claim(ctx)
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestMemoryTerminateDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemory(Config{MaxRetries: 3})

	require.NoError(t, q.Enqueue(ctx, item("a", orc.PriorityStandard)))
	lease, err := q.Claim(ctx)
	require.NoError(t, err)

	// A permanent failure skips the remaining retry budget.
	require.NoError(t, q.Terminate(ctx, lease, errors.New("unknown entity")))

	letters, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "a", letters[0].Item.ID)
	assert.Equal(t, []string{"unknown entity"}, letters[0].ErrorHistory)

	_, err = q.Claim(ctx)
	assert.ErrorIs(t, err, ErrNoWork)

	// The lease is resolved; a second resolution is rejected.
	assert.ErrorIs(t, q.Ack(ctx, lease), ErrLeaseNotHeld)
}

func TestMemoryMaxLeasesCap(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemory(Config{MaxLeases: 2})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, item(id, orc.PriorityStandard)))
	}

	l1, err := q.Claim(ctx)
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	// At the consumer cap for the class.
	_, err = q.Claim(ctx)
	assert.ErrorIs(t, err, ErrNoWork)

	require.NoError(t, q.Ack(ctx, l1))
	l3, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", l3.Item.ID)
}

func TestMemoryDepth(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemory(Config{})

	require.NoError(t, q.Enqueue(ctx, item("a", orc.PriorityStandard)))
	require.NoError(t, q.Enqueue(ctx, item("b", orc.PriorityStandard)))
	require.NoError(t, q.Enqueue(ctx, item("c", orc.PriorityInteractive)))

	// A leased item still counts toward depth until acked.
	lease, err := q.Claim(ctx)
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth[orc.PriorityInteractive])
	assert.Equal(t, 2, depth[orc.PriorityStandard])
	assert.Equal(t, 0, depth[orc.PriorityBatch])

	require.NoError(t, q.Ack(ctx, lease))
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth[orc.PriorityInteractive])
}

func TestMemoryEnqueueRejectsUnknownClass(t *testing.T) {
	q, _ := newTestMemory(Config{})
	err := q.Enqueue(context.Background(), item("a", orc.Priority("bogus")))
	assert.Equal(t, orc.KindValidation, orc.KindOf(err))
}
