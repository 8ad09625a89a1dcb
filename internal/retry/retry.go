package retry

import (
	"context"
	"time"
)

// Do runs fn up to attempts times. A failed attempt is retried only when
// retryable reports the error as transient; delayFor decides how long to wait
// before the next attempt, typically a fixed cooldown or a server-provided
// retry-after. The context cancels the wait.
func Do(ctx context.Context, attempts int, retryable func(error) bool, delayFor func(error) time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		var delay time.Duration
		if delayFor != nil {
			delay = delayFor(err)
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// Fixed returns a delayFor that always waits d.
func Fixed(d time.Duration) func(error) time.Duration {
	return func(error) time.Duration { return d }
}
