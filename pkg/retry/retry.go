// Package retry runs an operation again after transient failures with
// capped exponential backoff and jitter.
//
// The engine uses it for the bounded retry of per-user updates that lose a
// concurrency race and for store connection attempts at startup.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryableError marks an error as worth another attempt when the Retrier
// has no RetryIf of its own.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps an error to indicate it should be retried.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Retrier holds one backoff policy.
type Retrier struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int

	// BaseDelay is the wait after the first failure. It doubles per attempt
	// up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter spreads each wait by up to ±Jitter of itself, 0..1.
	Jitter float64

	// RetryIf decides which errors are retried. Nil retries RetryableError only.
	RetryIf func(error) bool

	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)

	sleep func(context.Context, time.Duration) error
}

// Attempts returns the attempt budget.
func (r *Retrier) Attempts() int {
	if r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// Do calls op until it succeeds, returns a non-retryable error, the budget
// runs out or ctx ends. A RetryableError wrapper is removed from the
// returned error.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return unwrapRetryable(err)
			}
			return ctxErr
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if !r.shouldRetry(err) || attempt >= r.Attempts() {
			return unwrapRetryable(err)
		}

		delay := r.backoff(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, err, delay)
		}
		if sleep(ctx, delay) != nil {
			return unwrapRetryable(err)
		}
	}
}

func (r *Retrier) shouldRetry(err error) bool {
	if r.RetryIf != nil {
		return r.RetryIf(err)
	}
	return IsRetryable(err)
}

// backoff returns the wait after the given failed attempt.
func (r *Retrier) backoff(attempt int) time.Duration {
	d := r.BaseDelay
	for i := 1; i < attempt && d < r.MaxDelay; i++ {
		d *= 2
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if r.Jitter > 0 {
		d += time.Duration(float64(d) * r.Jitter * (rand.Float64()*2 - 1))
	}
	if d < 0 {
		return 0
	}
	return d
}

func unwrapRetryable(err error) error {
	var re *RetryableError
	if errors.As(err, &re) && re == err {
		return re.Err
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ConflictRetrier re-runs a per-user update after a concurrency conflict.
// Delays stay short; the caller repeats the full read-modify-write cycle.
func ConflictRetrier(maxAttempts int, retryIf func(error) bool) *Retrier {
	return &Retrier{
		MaxAttempts: maxAttempts,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Jitter:      0.5,
		RetryIf:     retryIf,
	}
}

// DatabaseRetrier is used for store and broker connection attempts at startup.
func DatabaseRetrier() *Retrier {
	return &Retrier{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.1,
	}
}
