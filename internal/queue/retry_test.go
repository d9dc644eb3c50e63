package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelayGrowth(t *testing.T) {
	// Zero jitter makes the curve exact. JitterFraction must stay in
	// (0, 1), so probe the raw exponential through a tiny epsilon bound.
	p := RetryPolicy{
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		JitterFraction: 0.2,
	}

	within := func(attempt int, want time.Duration) {
		d := p.Delay(attempt)
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
		assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
	}

	within(0, time.Second)
	within(1, 2*time.Second)
	within(2, 4*time.Second)
	within(3, 8*time.Second)

	// Capped at MaxDelay.
	within(4, 10*time.Second)
	within(10, 10*time.Second)

	// Negative attempts clamp to the base delay.
	within(-1, time.Second)
}

func TestRetryPolicyApplyDefaults(t *testing.T) {
	var p RetryPolicy
	p.ApplyDefaults()

	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 60*time.Second, p.MaxDelay)
	assert.Equal(t, 0.2, p.JitterFraction)

	custom := RetryPolicy{BaseDelay: time.Second}
	custom.ApplyDefaults()
	assert.Equal(t, time.Second, custom.BaseDelay)
	assert.Equal(t, 60*time.Second, custom.MaxDelay)
}
