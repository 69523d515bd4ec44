package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"workqueue/internal/errs"
)

// Breaker trips after a run of consecutive failures and rejects calls
// without invoking them until the break duration has elapsed. Half-open
// admits a single trial call.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(name string, threshold int, breakFor time.Duration, logger *slog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if breakFor <= 0 {
		breakFor = 30 * time.Second
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errs.IsCallerFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit state changed", "dependency", name, "from", from.String(), "to", to.String())
			}
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *Breaker) Do(fn func() error) error {
	_, err := b.call(func() (any, error) {
		return nil, fn()
	})
	return err
}

func (b *Breaker) call(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
	return v, err
}

// State returns closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
