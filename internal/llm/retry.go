package llm

import (
	"context"
	"time"
)

// RetryPolicy is a fixed-delay retry: MaxAttempts calls in total with Delay
// between them.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	OnRetry     func(err error, attempt int, delay time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 5 * time.Second}
}

// Retry executes fn until it succeeds, fails with a non-retryable error or
// the attempts run out. The last error is returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(policy.MaxAttempts, 1)
	var zero T
	var err error
	for attempt := 1; ; attempt++ {
		var result T
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= attempts || !IsRetryable(err) {
			return zero, err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, policy.Delay)
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(policy.Delay):
		}
	}
}
