package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workqueue/internal/errs"
)

var errFlaky = errs.New(errs.CodeTransient, "upstream 503")

func TestRetryAttemptsAndBackoff(t *testing.T) {
	base := 20 * time.Millisecond
	r := Retry{MaxRetries: 3, BaseDelay: base, JitterPercent: 10, Name: "docs"}

	var stamps []time.Time
	err := r.Do(context.Background(), func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errFlaky
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errFlaky))
	require.Len(t, stamps, 4)

	for i := 1; i < len(stamps); i++ {
		want := base << (i - 1)
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, want*85/100, "gap %d", i)
		assert.Less(t, gap, want*115/100+60*time.Millisecond, "gap %d", i)
	}
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	r := Retry{MaxRetries: 3, BaseDelay: time.Millisecond}
	permanent := errs.Validation("bad application id")
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnSuccess(t *testing.T) {
	r := Retry{MaxRetries: 5, BaseDelay: time.Millisecond}
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryCancelledContext(t *testing.T) {
	r := Retry{MaxRetries: 5, BaseDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errFlaky
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeDependencyUnavailable, errs.CodeOf(err))
	assert.Equal(t, 1, calls)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("risk", 5, time.Hour, nil)
	var invoked int
	fail := func() error {
		invoked++
		return errFlaky
	}
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Do(fail), errFlaky)
	}
	err := b.Do(fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, errs.CodeDependencyUnavailable, errs.CodeOf(err))
	assert.Equal(t, 5, invoked)
	assert.Equal(t, "open", b.State())
}

func TestBreakerIgnoresCallerFaults(t *testing.T) {
	b := NewBreaker("risk", 2, time.Hour, nil)
	for i := 0; i < 10; i++ {
		_ = b.Do(func() error { return errs.NotFound("application", "a1") })
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	b := NewBreaker("checklist", 1, 30*time.Millisecond, nil)
	_ = b.Do(func() error { return errFlaky })
	require.Equal(t, "open", b.State())
	time.Sleep(45 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var trials atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			trials.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	err := b.Do(func() error {
		trials.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), trials.Load())
	assert.Equal(t, "closed", b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("audit", 1, 20*time.Millisecond, nil)
	_ = b.Do(func() error { return errFlaky })
	time.Sleep(30 * time.Millisecond)
	assert.ErrorIs(t, b.Do(func() error { return errFlaky }), errFlaky)
	assert.Equal(t, "open", b.State())
}

func TestTimeoutReleasesCaller(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	start := time.Now()
	err := WithTimeout(context.Background(), 20*time.Millisecond, func(context.Context) error {
		<-block
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, errs.IsTransient(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestTimeoutPassesResult(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, func(context.Context) error { return nil })
	require.NoError(t, err)
	permanent := errs.Validation("nope")
	err = WithTimeout(context.Background(), time.Second, func(context.Context) error { return permanent })
	assert.Same(t, permanent, err)
}

func TestBulkheadCapsConcurrency(t *testing.T) {
	b := NewBulkhead("documents", 2, 3)
	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, peak)
}

func TestBulkheadRejectsBeyondQueue(t *testing.T) {
	b := NewBulkhead("documents", 2, 0)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Do(context.Background(), func(context.Context) error {
				<-release
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool { return b.InFlight() == 2 }, time.Second, time.Millisecond)

	rejected := 0
	for i := 0; i < 3; i++ {
		err := b.Do(context.Background(), func(context.Context) error { return nil })
		if errors.Is(err, ErrBulkheadFull) {
			rejected++
		}
	}
	close(release)
	wg.Wait()
	assert.Equal(t, 3, rejected)
}

func TestFallbackReceivesTerminalError(t *testing.T) {
	p := NewPolicy("risk", Settings{MaxRetries: 2, BaseDelay: time.Millisecond, FailureThreshold: 10}, nil)
	calls := 0
	var seen error
	v, err := ExecuteWithFallback(context.Background(), p,
		func(context.Context) (string, error) {
			calls++
			return "", errFlaky
		},
		func(_ context.Context, err error) (string, error) {
			seen = err
			return "Medium", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "Medium", v)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, seen, errFlaky)
}

func TestPolicyFailsFastOnceOpen(t *testing.T) {
	p := NewPolicy("notification", Settings{FailureThreshold: 5, BreakDuration: time.Hour}, nil)
	invoked := 0
	for i := 0; i < 5; i++ {
		_ = p.Run(context.Background(), func(context.Context) error {
			invoked++
			return errFlaky
		})
	}
	err := p.Run(context.Background(), func(context.Context) error {
		invoked++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 5, invoked)
}

func TestPolicyRetriesTimeouts(t *testing.T) {
	p := NewPolicy("checklist", Settings{MaxRetries: 1, BaseDelay: time.Millisecond, Timeout: 10 * time.Millisecond, FailureThreshold: 10}, nil)
	var calls atomic.Int32
	v, err := Execute(context.Background(), p, func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFactoryIsolatesDependencies(t *testing.T) {
	timeout := 2 * time.Second
	f := NewFactory(Settings{FailureThreshold: 1, BreakDuration: time.Hour}, map[string]Override{
		"risk": {Timeout: &timeout},
	}, nil)
	risk := f.Policy("risk")
	assert.Same(t, risk, f.Policy("risk"))
	assert.Equal(t, 2*time.Second, risk.Settings().Timeout)

	_ = risk.Run(context.Background(), func(context.Context) error { return errFlaky })
	assert.Equal(t, "open", risk.BreakerState())
	assert.Equal(t, "closed", f.Policy("documents").BreakerState())
}

func TestOverrideZeroDisables(t *testing.T) {
	zero := 0
	base := DefaultSettings()

	inherited := base.Merge(Override{})
	assert.Equal(t, base, inherited)

	off := base.Merge(Override{MaxRetries: &zero, MaxQueue: &zero})
	assert.Zero(t, off.MaxRetries)
	assert.Zero(t, off.MaxQueue)
	assert.Equal(t, base.MaxConcurrency, off.MaxConcurrency)
	require.NoError(t, off.Validate())

	f := NewFactory(DefaultSettings(), map[string]Override{"audit": {MaxRetries: &zero}}, nil)
	var calls atomic.Int32
	err := f.Policy("audit").Run(context.Background(), func(context.Context) error {
		calls.Add(1)
		return errFlaky
	})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())
	assert.Error(t, Settings{MaxRetries: 2}.Validate())
	assert.Error(t, Settings{JitterPercent: 120}.Validate())
}
