package retry

import (
	"context"
	"time"
)

type Options struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Retryable func(err error) bool
	OnRetry   func(attempt int, err error)
}

// Do runs fn until it succeeds, returns a non retryable error, or the
// attempt budget is spent. Delay doubles between attempts.
func Do[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := opts.BaseDelay
	var (
		res T
		err error
	)
	for i := 1; i <= attempts; i++ {
		res, err = fn(ctx)
		if err == nil {
			return res, nil
		}
		if i == attempts || opts.Retryable == nil || !opts.Retryable(err) {
			return res, err
		}
		if opts.OnRetry != nil {
			opts.OnRetry(i, err)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res, err
			case <-timer.C:
			}
			delay *= 2
			if opts.MaxDelay > 0 && delay > opts.MaxDelay {
				delay = opts.MaxDelay
			}
		}
	}
	return res, err
}
