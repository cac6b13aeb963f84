package util

import (
	"context"
	"math/rand"
	"time"
)

// Retry is the single retry combinator used across the codebase. Layers pick
// their own policy: the market data gateway retries transient venue errors,
// ledger callers retry CONTENDED conflicts, and nothing else retries.
type Retry struct {
	Attempts int             // total attempts, including the first
	Delays   []time.Duration // per-gap delays; last entry repeats if short
	Jitter   float64         // fraction of the delay randomized, 0..1
}

// LedgerRetry is the bounded reservation retry from the control plane:
// 3 attempts, exponential backoff 50-400ms.
func LedgerRetry() Retry {
	return Retry{
		Attempts: 3,
		Delays:   []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
		Jitter:   0.2,
	}
}

// GatewayRetry is the jittered backoff schedule for transient venue errors.
func GatewayRetry() Retry {
	return Retry{
		Attempts: 4,
		Delays:   []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1200 * time.Millisecond},
		Jitter:   0.25,
	}
}

// Do runs fn until it succeeds, the error stops being retryable, attempts
// run out, or ctx is done. The last error is returned unwrapped so callers
// can branch on typed failures.
func (r Retry) Do(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (r Retry) delay(gap int) time.Duration {
	if len(r.Delays) == 0 {
		return 100 * time.Millisecond
	}
	if gap >= len(r.Delays) {
		gap = len(r.Delays) - 1
	}
	d := r.Delays[gap]
	if r.Jitter > 0 {
		spread := float64(d) * r.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}
