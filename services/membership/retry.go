package membership

import (
	"context"
	"time"
)

// RetryPolicy bounds the retry loop around every upstream call. MaxAttempts
// counts the first attempt, so MaxAttempts=3 means at most two retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

func (p RetryPolicy) baseDelay() time.Duration {
	if p.BaseDelay <= 0 {
		return time.Second
	}
	return p.BaseDelay
}

// backoff returns the delay before the given attempt is retried: the
// Retry-After hint when the platform sent one, otherwise baseDelay × attempt.
func (p RetryPolicy) backoff(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	return p.baseDelay() * time.Duration(attempt)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
