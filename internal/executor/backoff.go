package executor

import (
	"math/rand"
	"time"

	"github.com/jpillora/backoff"
)

// retryBackoff computes the wait before an order's next attempt:
// exponential growth from Base by Factor, capped at Max, with a symmetric
// jitter band applied on top.
type retryBackoff struct {
	policy *backoff.Backoff
	jitter float64 // fraction of the delay, e.g. 0.2 for +-20%
	rand   func() float64
}

func newRetryBackoff(base, max time.Duration, factor float64) *retryBackoff {
	return &retryBackoff{
		policy: &backoff.Backoff{Min: base, Max: max, Factor: factor},
		jitter: 0.2,
		rand:   rand.Float64,
	}
}

// Delay returns the jittered wait for the given attempt (1-based). A
// positive floor, such as an exchange-suggested retry-after, overrides
// shorter computed delays.
func (b *retryBackoff) Delay(attempt int, floor time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.policy.ForAttempt(float64(attempt - 1))
	if floor > d {
		d = floor
	}
	// Jitter in [-jitter, +jitter] of the delay.
	spread := (b.rand()*2 - 1) * b.jitter
	return time.Duration(float64(d) * (1 + spread))
}
