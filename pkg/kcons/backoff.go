package kcons

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackoff returns the exponential backoff used for coordinator and
// transport failures. Elapsed time is unbounded; callers bound retries with
// their context.
func (cfg *cfg) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.backoffInitial
	b.MaxInterval = cfg.backoffMax
	b.RandomizationFactor = cfg.backoffJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs fn until it succeeds, returns a non-retriable error, or ctx is
// done, backing off between attempts.
func retry[T any](ctx context.Context, b backoff.BackOff, l Logger, what string, fn func() (T, error)) (T, error) {
	op := func() (T, error) {
		v, err := fn()
		if err != nil && !IsRetriable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		l.Log(LogLevelWarn, "retriable error, backing off", "op", what, "err", err, "backoff", wait)
	}
	b.Reset()
	return backoff.RetryNotifyWithData(op, backoff.WithContext(b, ctx), notify)
}
