package fn

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
}

// DefaultRetry suits connecting to backing services at startup.
var DefaultRetry = RetryOpts{
	MaxAttempts: 5,
	InitialWait: time.Second,
	MaxWait:     15 * time.Second,
	Jitter:      true,
}

// Retry calls f until it succeeds, MaxAttempts is reached or ctx is done,
// doubling the wait between attempts up to MaxWait. The final error is
// wrapped with the attempt count.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := max(opts.MaxAttempts, 1)
	wait := opts.InitialWait

	var err error
	for attempt := 1; ; attempt++ {
		r := f(ctx)
		if _, err = r.Unwrap(); err == nil {
			return r
		}
		if attempt == attempts {
			break
		}

		sleep := wait
		if opts.Jitter {
			sleep = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if opts.MaxWait > 0 {
			sleep = min(sleep, opts.MaxWait)
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Err[T](ctx.Err())
		case <-timer.C:
		}

		wait *= 2
		if opts.MaxWait > 0 {
			wait = min(wait, opts.MaxWait)
		}
	}
	return Err[T](fmt.Errorf("after %d attempts: %w", attempts, err))
}
