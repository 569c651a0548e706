package caperr

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Overridable in tests.
var (
	backoffInitial = time.Second
	backoffCap     = 30 * time.Second
)

const backoffJitter = 0.25

// Backoff returns the delay before retry attempt i (0-based): exponential
// from 1s, capped at 30s, with ±25% jitter.
func Backoff(attempt int) time.Duration {
	d := backoffInitial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// Retry calls fn up to maxAttempts times, sleeping Backoff between retryable
// failures. Non-retryable errors and context cancellation return immediately.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	_, err := RetryValue(ctx, maxAttempts, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryValue is Retry for functions that produce a value.
func RetryValue[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsRetryable(err) {
			return result, err
		}
		last = err
		if i == maxAttempts-1 {
			break
		}
		slog.Warn("Retrying after transient error",
			"code", CodeOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		timer := time.NewTimer(Backoff(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, Wrap(CodeTimeoutOperation, "retry aborted", context.Cause(ctx))
		case <-timer.C:
		}
	}
	return zero, last
}
