package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"workqueue/internal/errs"
)

// Retry runs fn until it succeeds, returns a non-transient error or the
// retry budget is spent. maxRetries retries mean maxRetries+1 attempts; the
// n-th retry waits base*2^(n-1), jittered and capped.
type Retry struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent int
	Logger        *slog.Logger
	Name          string
}

func (r Retry) backoff() retry.Backoff {
	b := retry.NewExponential(r.BaseDelay)
	if r.JitterPercent > 0 {
		b = retry.WithJitterPercent(uint64(r.JitterPercent), b)
	}
	if r.MaxDelay > 0 {
		b = retry.WithCappedDuration(r.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(r.MaxRetries), b)
}

func (r Retry) Do(ctx context.Context, fn func(context.Context) error) error {
	if r.MaxRetries <= 0 || r.BaseDelay <= 0 {
		return fn(ctx)
	}
	attempt := 0
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || !errs.IsTransient(err) {
			return err
		}
		if attempt <= r.MaxRetries && r.Logger != nil {
			r.Logger.Warn("retrying dependency call", "dependency", r.Name, "attempt", attempt, "err", err)
		}
		return retry.RetryableError(err)
	})
	if err != nil && ctx.Err() != nil && !errs.IsCallerFault(err) {
		return errs.Wrap(errs.CodeDependencyUnavailable, ctx.Err(), r.Name+": call cancelled")
	}
	return err
}
