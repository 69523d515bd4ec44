package resilience

import (
	"context"
	"log/slog"
	"sync"
)

// Policy is the combined pipeline for one dependency, outermost first:
// retry, circuit breaker, timeout, bulkhead. Fallback is applied by
// ExecuteWithFallback around the whole pipeline.
type Policy struct {
	name     string
	settings Settings
	retry    Retry
	breaker  *Breaker
	bulkhead *Bulkhead
}

func NewPolicy(name string, s Settings, logger *slog.Logger) *Policy {
	return &Policy{
		name:     name,
		settings: s,
		retry: Retry{
			MaxRetries:    s.MaxRetries,
			BaseDelay:     s.BaseDelay,
			MaxDelay:      s.MaxDelay,
			JitterPercent: s.JitterPercent,
			Logger:        logger,
			Name:          name,
		},
		breaker:  NewBreaker(name, s.FailureThreshold, s.BreakDuration, logger),
		bulkhead: NewBulkhead(name, s.MaxConcurrency, s.MaxQueue),
	}
}

func (p *Policy) Name() string         { return p.name }
func (p *Policy) Settings() Settings   { return p.settings }
func (p *Policy) BreakerState() string { return p.breaker.State() }

// Run executes fn through the pipeline.
func (p *Policy) Run(ctx context.Context, fn func(context.Context) error) error {
	_, err := p.call(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func (p *Policy) call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	var out any
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		v, err := p.breaker.call(func() (any, error) {
			return withTimeout(ctx, p.settings.Timeout, func(ctx context.Context) (any, error) {
				var v any
				err := p.bulkhead.Do(ctx, func(ctx context.Context) error {
					var err error
					v, err = fn(ctx)
					return err
				})
				return v, err
			})
		})
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// Execute runs fn through p and returns its result.
func Execute[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error)) (T, error) {
	v, err := p.call(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// ExecuteWithFallback is Execute with fallback invoked on the terminal error.
func ExecuteWithFallback[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	v, err := Execute(ctx, p, fn)
	if err == nil || fallback == nil {
		return v, err
	}
	return fallback(ctx, err)
}

// Factory hands out one policy per dependency name. Breaker and bulkhead
// state live in the policy, so callers of the same dependency share them
// and different dependencies never do.
type Factory struct {
	mu        sync.Mutex
	defaults  Settings
	overrides map[string]Override
	policies  map[string]*Policy
	logger    *slog.Logger
}

func NewFactory(defaults Settings, overrides map[string]Override, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		defaults:  defaults,
		overrides: overrides,
		policies:  map[string]*Policy{},
		logger:    logger,
	}
}

func (f *Factory) Policy(name string) *Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.policies[name]; ok {
		return p
	}
	s := f.defaults.Merge(f.overrides[name])
	p := NewPolicy(name, s, f.logger)
	f.policies[name] = p
	return p
}
