package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workqueue/internal/errs"
)

// WithTimeout bounds fn to d. fn runs on its own goroutine so the caller is
// released at the deadline even when fn ignores its context.
func WithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	_, err := withTimeout(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type result[T any] struct {
	v   T
	err error
}

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(tctx)
		done <- result[T]{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && !errs.IsCallerFault(r.err) {
			return zero, fmt.Errorf("after %s: %w", d, ErrTimeout)
		}
		return r.v, r.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return zero, errs.Wrap(errs.CodeDependencyUnavailable, ctx.Err(), "call cancelled")
		}
		return zero, fmt.Errorf("after %s: %w", d, ErrTimeout)
	}
}
