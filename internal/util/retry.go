package util

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy describes a bounded retry loop with linear backoff: the wait
// after attempt n is BaseDelay*n.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool

	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt ceiling is reached. It returns the number of attempts made and
// the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempt, err
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts {
			if serr := sleep(ctx, p.BaseDelay*time.Duration(attempt)); serr != nil {
				return attempt, errors.Join(err, serr)
			}
		}
	}
	return maxAttempts, err
}

// Retry calls fn up to maxAttempts times with linear backoff of
// baseDelay*attempt, retrying every error.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	_, err := RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, func(int) error {
		return fn()
	})
	return err
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
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
