package council

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	// MaxRetries bounds retries after the first attempt (three attempts total).
	MaxRetries = 2
	// BaseDelay is the backoff unit between attempts.
	BaseDelay = 1000 * time.Millisecond
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// AttemptFunc runs attempt number attempt (zero based).
type AttemptFunc func(ctx context.Context, attempt int) AttemptResult

// RetryFunc is told about a retry before the backoff sleep starts.
type RetryFunc func(next int, last AttemptResult, delay time.Duration)

// Supervisor retries an attempt with exponential backoff plus jitter. Only
// StateError outcomes are retried; missing_cli, timed_out and canceled are
// final because another attempt cannot change them.
type Supervisor struct {
	MaxRetries int
	BaseDelay  time.Duration
	Sleep      SleepFunc
	// Jitter returns a uniform value in [0, 1).
	Jitter func() float64
}

// DefaultSupervisor returns the production retry policy.
func DefaultSupervisor() Supervisor {
	return Supervisor{
		MaxRetries: MaxRetries,
		BaseDelay:  BaseDelay,
		Sleep:      sleepContext,
		Jitter:     rand.Float64,
	}
}

// Backoff is BaseDelay*2^attempt plus a uniform share of one BaseDelay.
func (s Supervisor) Backoff(attempt int) time.Duration {
	if s.BaseDelay <= 0 {
		return 0
	}
	jitter := rand.Float64
	if s.Jitter != nil {
		jitter = s.Jitter
	}
	exp := s.BaseDelay << uint(attempt)
	return exp + time.Duration(jitter()*float64(s.BaseDelay))
}

// Run executes attempts 0..MaxRetries and returns the first non-retryable
// result, or the last error once attempts are exhausted.
func (s Supervisor) Run(ctx context.Context, run AttemptFunc, onRetry RetryFunc) AttemptResult {
	maxRetries := s.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	sleep := s.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var last AttemptResult
	for attempt := 0; attempt <= maxRetries; attempt++ {
		last = run(ctx, attempt)
		last.Attempt = attempt
		if last.State != StateError || attempt == maxRetries {
			return last
		}
		delay := s.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt+1, last, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return AttemptResult{
				State:    StateCanceled,
				Attempt:  attempt,
				PID:      last.PID,
				ExitCode: last.ExitCode,
				Signal:   last.Signal,
				Message:  ptr(fmt.Sprintf("stopped while waiting to retry: %v", err)),
			}
		}
	}
	return last
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
