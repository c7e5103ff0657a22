package engine

import (
	"context"
	"time"

	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/pkg/schema"
)

// IsRetryableResult classifies whether a failed node result may succeed on
// another attempt. Configuration, validation and credential failures are
// deterministic; so is a node that asked to stop.
func IsRetryableResult(res dispatch.ActionResult) bool {
	if res.Success || res.StopWorkflow {
		return false
	}
	switch res.ErrorCode {
	case schema.ErrCodeConfiguration, schema.ErrCodeValidation, schema.ErrCodeCredential,
		schema.ErrCodeNotFound, schema.ErrCodeCancelled, schema.ErrCodeCircuitOpen:
		return false
	}
	return true
}

// MaxAttempts returns how many times a node may be dispatched.
func MaxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}

// ComputeBackoff calculates the delay before the retry that follows the
// given failed attempt (1-based). Supports none, fixed, linear and
// exponential backoff with an optional maxDelay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		// 2^(attempt-1) * base
		multiplier := time.Duration(1)
		for i := 1; i < attempt && multiplier < 1<<20; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt)
	case "fixed", "constant":
		delay = base
	default: // "none" or empty
		return 0
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
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
