package resilience

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"workqueue/internal/errs"
)

// Bulkhead caps concurrent calls to a dependency. Up to maxQueue callers may
// wait for a slot; anyone beyond that is rejected immediately.
type Bulkhead struct {
	name     string
	sem      *semaphore.Weighted
	maxQueue int64
	queued   atomic.Int64
	inFlight atomic.Int64
}

func NewBulkhead(name string, maxConcurrency, maxQueue int) *Bulkhead {
	if maxConcurrency <= 0 {
		return nil
	}
	return &Bulkhead{
		name:     name,
		sem:      semaphore.NewWeighted(int64(maxConcurrency)),
		maxQueue: int64(maxQueue),
	}
}

func (b *Bulkhead) Do(ctx context.Context, fn func(context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}
	if !b.sem.TryAcquire(1) {
		if b.queued.Add(1) > b.maxQueue {
			b.queued.Add(-1)
			return fmt.Errorf("%s: %w", b.name, ErrBulkheadFull)
		}
		err := b.sem.Acquire(ctx, 1)
		b.queued.Add(-1)
		if err != nil {
			return errs.Wrap(errs.CodeTransient, err, b.name+": waiting for a call slot")
		}
	}
	defer b.sem.Release(1)
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	return fn(ctx)
}

// InFlight reports the number of calls currently holding a slot.
func (b *Bulkhead) InFlight() int64 {
	if b == nil {
		return 0
	}
	return b.inFlight.Load()
}
