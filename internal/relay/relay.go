// Package relay moves committed outbox events to the event log.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"workqueue/internal/domain"
	"workqueue/internal/errs"
	"workqueue/internal/ports"
)

const (
	defaultBatch      = 100
	defaultInterval   = time.Second
	defaultMaxBackoff = time.Minute
)

// Publisher is the downstream the relay delivers to; eventlog.Log
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Relay publishes pending events in sequence order. An event is marked
// published only after the publisher accepted it, so a crash between the
// two steps redelivers it.
type Relay struct {
	Outbox     ports.Outbox
	Publisher  Publisher
	Batch      int
	Interval   time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

func (r Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r Relay) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Drain publishes pending events until the outbox is empty or a publish
// fails. It stops at the first failure so later events never overtake an
// earlier one.
func (r Relay) Drain(ctx context.Context) (int, error) {
	batch := r.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	published := 0
	for {
		pending, err := r.Outbox.PendingEvents(ctx, batch)
		if err != nil {
			return published, err
		}
		if len(pending) == 0 {
			return published, nil
		}
		for _, evt := range pending {
			if err := ctx.Err(); err != nil {
				return published, err
			}
			if err := r.Publisher.Publish(ctx, evt); err != nil {
				r.logger().Warn("event publish deferred", "code", errs.CodePublishDeferred, "seq", evt.Sequence,
					"event", evt.Type, "work_item_id", evt.WorkItemID, "attempts", evt.Attempts+1, "err", err)
				if markErr := r.Outbox.MarkFailed(ctx, evt.Sequence, err.Error()); markErr != nil {
					return published, errors.Join(err, markErr)
				}
				return published, errs.Wrap(errs.CodePublishDeferred, err, "publish "+string(evt.Type))
			}
			if err := r.Outbox.MarkPublished(ctx, evt.Sequence, r.now()); err != nil {
				return published, err
			}
			published++
		}
		if len(pending) < batch {
			return published, nil
		}
	}
}

// Run drains on every tick until ctx is done. After a failed drain the
// next attempt is delayed with exponential backoff.
func (r Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	maxBackoff := r.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	newBackoff := func() retry.Backoff {
		return retry.WithCappedDuration(maxBackoff, retry.NewExponential(interval))
	}
	backoff := newBackoff()
	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		n, err := r.Drain(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			next, _ := backoff.Next()
			wait = next
			r.logger().Warn("relay drain failed", "published", n, "retry_in", wait, "err", err)
			continue
		}
		if n > 0 {
			r.logger().Debug("relay drained", "published", n)
		}
		backoff = newBackoff()
		wait = interval
	}
}
