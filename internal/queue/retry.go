package queue

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes redelivery delays:
//
//	delay = min(MaxDelay, BaseDelay * 2^attempt) * (1 ± JitterFraction)
//
// Jitter spreads redeliveries from correlated failures (a rate-limited
// tool fails a whole batch at once) so they do not thunder back together.
type RetryPolicy struct {
	// BaseDelay is the delay before the first redelivery.
	// Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	// Default: 60s.
	MaxDelay time.Duration

	// JitterFraction is the ± randomization applied to the computed
	// delay, in [0, 1). Default: 0.2.
	JitterFraction float64
}

// DefaultRetryPolicy returns the default redelivery policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       60 * time.Second,
		JitterFraction: 0.2,
	}
}

// ApplyDefaults sets default values for unset fields.
func (p *RetryPolicy) ApplyDefaults() {
	defaults := DefaultRetryPolicy()

	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.JitterFraction <= 0 || p.JitterFraction >= 1 {
		p.JitterFraction = defaults.JitterFraction
	}
}

// Delay returns the redelivery delay for a 0-based retry attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}

	// Scale by a uniform factor in [1-jitter, 1+jitter].
	factor := 1 + p.JitterFraction*(2*rand.Float64()-1)
	return time.Duration(backoff * factor)
}
