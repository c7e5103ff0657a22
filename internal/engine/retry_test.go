package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/pkg/schema"
)

func TestIsRetryableResult(t *testing.T) {
	assert.False(t, IsRetryableResult(dispatch.Success(nil)))
	assert.False(t, IsRetryableResult(dispatch.ActionResult{StopWorkflow: true}))
	assert.True(t, IsRetryableResult(dispatch.ActionResult{ErrorCode: schema.ErrCodeHandler}))
	assert.True(t, IsRetryableResult(dispatch.ActionResult{ErrorCode: schema.ErrCodeTimeout}))
	assert.True(t, IsRetryableResult(dispatch.ActionResult{}))

	for _, code := range []string{
		schema.ErrCodeConfiguration, schema.ErrCodeValidation, schema.ErrCodeCredential,
		schema.ErrCodeCircuitOpen, schema.ErrCodeCancelled,
	} {
		assert.False(t, IsRetryableResult(dispatch.ActionResult{ErrorCode: code}), code)
	}
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 1, MaxAttempts(nil))
	assert.Equal(t, 1, MaxAttempts(&schema.RetryPolicy{}))
	assert.Equal(t, 4, MaxAttempts(&schema.RetryPolicy{MaxAttempts: 4}))
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 1, 0},
		{"no delay", &schema.RetryPolicy{Backoff: "fixed"}, 1, 0},
		{"bad delay", &schema.RetryPolicy{Backoff: "fixed", Delay: "soon"}, 1, 0},
		{"none", &schema.RetryPolicy{Backoff: "none", Delay: "1s"}, 3, 0},
		{"fixed", &schema.RetryPolicy{Backoff: "fixed", Delay: "200ms"}, 3, 200 * time.Millisecond},
		{"constant alias", &schema.RetryPolicy{Backoff: "constant", Delay: "200ms"}, 2, 200 * time.Millisecond},
		{"linear 1", &schema.RetryPolicy{Backoff: "linear", Delay: "100ms"}, 1, 100 * time.Millisecond},
		{"linear 3", &schema.RetryPolicy{Backoff: "linear", Delay: "100ms"}, 3, 300 * time.Millisecond},
		{"exponential 1", &schema.RetryPolicy{Backoff: "exponential", Delay: "100ms"}, 1, 100 * time.Millisecond},
		{"exponential 4", &schema.RetryPolicy{Backoff: "exponential", Delay: "100ms"}, 4, 800 * time.Millisecond},
		{"capped", &schema.RetryPolicy{Backoff: "exponential", Delay: "1s", MaxDelay: "3s"}, 5, 3 * time.Second},
		{"zero attempt", &schema.RetryPolicy{Backoff: "linear", Delay: "1s"}, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, WaitForBackoff(ctx, 0), context.Canceled)
}
