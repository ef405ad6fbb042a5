// Package resilience wraps outbound calls in cache lookup, circuit-breaker
// checks, and retry with exponential backoff.
package resilience

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/petal-labs/trellis/envelope"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultJitter      = 0.2
)

// RetryPolicy controls the retry loop. Delays double per attempt from
// BaseDelay, with ±Jitter fractional randomization so synchronized callers
// do not retry in lockstep.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = DefaultBaseDelay
	}
	if out.Jitter < 0 || out.Jitter >= 1 {
		out.Jitter = DefaultJitter
	}
	return out
}

// backoff returns the wait before the next attempt. attempt is 1-based:
// the delay after attempt n is BaseDelay * 2^(n-1), jittered.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	wait := p.BaseDelay << (attempt - 1)
	if p.Jitter > 0 {
		spread := (rand.Float64()*2 - 1) * p.Jitter // uniform in [-Jitter, +Jitter]
		wait = time.Duration(float64(wait) * (1 + spread))
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// sendFunc performs one transport attempt.
type sendFunc func(ctx context.Context, attempt int) (json.RawMessage, error)

// retryNotify is called before each backoff sleep with the failed attempt
// number and its error.
type retryNotify func(attempt int, err error)

// retry runs fn up to policy.MaxAttempts times, backing off between attempts.
// Only retryable failures are retried. The context deadline is a hard ceiling
// over the whole sequence: once it passes, the loop stops regardless of the
// remaining attempt budget. Returns the result, the number of attempts made,
// and the terminal error.
func retry(ctx context.Context, policy RetryPolicy, notify retryNotify, fn sendFunc) (json.RawMessage, int, error) {
	policy = policy.withDefaults()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			// Deadline beats budget: surface the timeout, not exhaustion.
			return nil, attempts, envelope.Normalize(err)
		}

		attempts = attempt
		result, err := fn(ctx, attempt)
		if err == nil {
			return result, attempts, nil
		}
		lastErr = err

		if attempt == policy.MaxAttempts || !envelope.IsRetryable(err) {
			break
		}
		if notify != nil {
			notify(attempt, err)
		}

		timer := time.NewTimer(policy.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempts, envelope.Normalize(ctx.Err())
		case <-timer.C:
		}
	}

	if envelope.IsRetryable(lastErr) {
		return nil, attempts, envelope.Terminal(lastErr)
	}
	return nil, attempts, envelope.Normalize(lastErr)
}
