// Package retry is the single retry combinator used for producer creation,
// consumer resume and stream consumption, so the three policies cannot
// drift apart.
package retry

import (
	"context"
	"math"
	"time"
)

// Backoff maps a 1-based attempt number to the delay taken before that
// attempt. Attempt 1 always runs immediately; Backoff(n) is the wait before
// attempt n for n >= 2.
type Backoff func(attempt int) time.Duration

// Fixed waits the same duration between every attempt.
func Fixed(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Linear waits step, 2*step, 3*step, ...
func Linear(step time.Duration) Backoff {
	return func(attempt int) time.Duration { return time.Duration(attempt-1) * step }
}

// Exponential waits base * factor^(attempt-2), capped.
func Exponential(base time.Duration, factor float64, cap time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := time.Duration(float64(base) * math.Pow(factor, float64(attempt-2)))
		if d > cap {
			return cap
		}
		return d
	}
}

// Stats reports what a Do call actually did.
type Stats struct {
	Attempts int
	LastErr  error
}

// Do runs op until it succeeds, maxAttempts is exhausted, or ctx is done.
// The returned Stats always carries the real attempt count, also on success.
func Do(ctx context.Context, maxAttempts int, backoff Backoff, op func(attempt int) error) (Stats, error) {
	var st Stats
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				st.LastErr = ctx.Err()
				return st, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
		st.Attempts = attempt
		err := op(attempt)
		if err == nil {
			st.LastErr = nil
			return st, nil
		}
		st.LastErr = err
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
	}
	return st, st.LastErr
}
