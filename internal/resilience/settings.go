// Package resilience builds the per-dependency call policies used by every
// outbound client: retry, circuit breaker, timeout, bulkhead and fallback.
package resilience

import (
	"errors"
	"fmt"
	"time"

	"workqueue/internal/errs"
)

var (
	ErrCircuitOpen  = errs.New(errs.CodeDependencyUnavailable, "circuit open")
	ErrTimeout      = errs.New(errs.CodeTransient, "call timed out")
	ErrBulkheadFull = errs.New(errs.CodeDependencyUnavailable, "too many concurrent calls")
)

// Settings configures one dependency. Zero values disable the matching
// primitive, except FailureThreshold and BreakDuration which fall back to
// sane defaults so every dependency gets a breaker.
type Settings struct {
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	JitterPercent    int           `yaml:"jitter_percent"`
	FailureThreshold int           `yaml:"failure_threshold"`
	BreakDuration    time.Duration `yaml:"break_duration"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	MaxQueue         int           `yaml:"max_queue"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxRetries:       3,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		JitterPercent:    20,
		FailureThreshold: 5,
		BreakDuration:    30 * time.Second,
		Timeout:          5 * time.Second,
		MaxConcurrency:   10,
		MaxQueue:         20,
	}
}

// Override is a per-dependency adjustment of the defaults. Only fields that
// are present in the config are applied, so an explicit zero disables the
// matching primitive (max_retries: 0, max_queue: 0).
type Override struct {
	MaxRetries       *int           `yaml:"max_retries"`
	BaseDelay        *time.Duration `yaml:"base_delay"`
	MaxDelay         *time.Duration `yaml:"max_delay"`
	JitterPercent    *int           `yaml:"jitter_percent"`
	FailureThreshold *int           `yaml:"failure_threshold"`
	BreakDuration    *time.Duration `yaml:"break_duration"`
	Timeout          *time.Duration `yaml:"timeout"`
	MaxConcurrency   *int           `yaml:"max_concurrency"`
	MaxQueue         *int           `yaml:"max_queue"`
}

// Merge returns s with every field set in o applied on top.
func (s Settings) Merge(o Override) Settings {
	setInt(&s.MaxRetries, o.MaxRetries)
	setDuration(&s.BaseDelay, o.BaseDelay)
	setDuration(&s.MaxDelay, o.MaxDelay)
	setInt(&s.JitterPercent, o.JitterPercent)
	setInt(&s.FailureThreshold, o.FailureThreshold)
	setDuration(&s.BreakDuration, o.BreakDuration)
	setDuration(&s.Timeout, o.Timeout)
	setInt(&s.MaxConcurrency, o.MaxConcurrency)
	setInt(&s.MaxQueue, o.MaxQueue)
	return s
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}

func (s Settings) Validate() error {
	var problems []error
	if s.MaxRetries < 0 {
		problems = append(problems, errors.New("max_retries must be >= 0"))
	}
	if s.MaxRetries > 0 && s.BaseDelay <= 0 {
		problems = append(problems, errors.New("base_delay must be > 0 when retries are enabled"))
	}
	if s.JitterPercent < 0 || s.JitterPercent > 100 {
		problems = append(problems, fmt.Errorf("jitter_percent %d out of range 0..100", s.JitterPercent))
	}
	if s.FailureThreshold < 0 {
		problems = append(problems, errors.New("failure_threshold must be >= 0"))
	}
	if s.MaxConcurrency < 0 || s.MaxQueue < 0 {
		problems = append(problems, errors.New("max_concurrency and max_queue must be >= 0"))
	}
	return errors.Join(problems...)
}
