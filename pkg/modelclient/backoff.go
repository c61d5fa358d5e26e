package modelclient

import (
	"context"
	"math/rand"
	"time"
)

// backoffPolicy implements the design's retry rule for rate_limited and
// transient_network failures: exponential backoff with full jitter, capped
// at 60s total elapsed, at most 4 tries. No pack dependency calls a backoff
// library directly (cenkalti/backoff appears only as an indirect,
// never-imported transitive dependency in one example's go.mod), so this is
// hand-rolled against math/rand + time, matching the teacher's own
// preference for plain stdlib control flow over a retry framework.
type backoffPolicy struct {
	maxTries int
	cap      time.Duration
	base     time.Duration
}

func defaultBackoff() backoffPolicy {
	return backoffPolicy{maxTries: 4, cap: 60 * time.Second, base: 500 * time.Millisecond}
}

// retry calls fn up to p.maxTries times, sleeping with full-jitter
// exponential backoff between attempts, as long as shouldRetry(err) is true
// and the cumulative elapsed time has not exceeded p.cap. It stops early on
// ctx cancellation.
func (p backoffPolicy) retry(ctx context.Context, shouldRetry func(error) bool, fn func() error) error {
	start := time.Now()
	var err error

	for attempt := 0; attempt < p.maxTries; attempt++ {
		err = fn()
		if err == nil || !shouldRetry(err) {
			return err
		}
		if attempt+1 >= p.maxTries || time.Since(start) >= p.cap {
			return err
		}

		delay := p.base * time.Duration(1<<uint(attempt))
		jittered := time.Duration(rand.Int63n(int64(delay) + 1))
		if remaining := p.cap - time.Since(start); jittered > remaining {
			jittered = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
	}
	return err
}
