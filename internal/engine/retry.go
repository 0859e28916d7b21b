package engine

import (
	"context"
	"time"

	"github.com/rendis/chutney/pkg/schema"
)

// maxBackoffShift bounds the exponential multiplier so the delay never overflows.
const maxBackoffShift = 30

// retryPolicy returns the retry policy of a step, or nil when the step is not retried.
func retryPolicy(strategy *schema.Strategy) *schema.RetryPolicy {
	if strategy == nil || strategy.Type != schema.StrategyRetry {
		return nil
	}
	return strategy.Retry
}

// ComputeBackoff calculates the delay before retry number attempt (zero based).
// Supports none, constant, linear and exponential backoff with an optional max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}
	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	switch policy.Backoff {
	case "exponential":
		delay = base << min(attempt, maxBackoffShift)
	case "linear":
		delay = base * time.Duration(attempt+1)
	}

	if policy.MaxDelay != "" {
		if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns the context error if it is cancelled first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
