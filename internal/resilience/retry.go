// Package resilience holds the retry and circuit-breaker primitives used around
// the metadata store and remote key providers.
package resilience

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/tokaysec/pkg/schema"
)

// Backoff strategies understood by ComputeBackoff.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy bounds how often an idempotent operation is retried.
type RetryPolicy struct {
	Max      int
	Backoff  string
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultReadPolicy is applied to store reads.
func DefaultReadPolicy() RetryPolicy {
	return RetryPolicy{
		Max:      3,
		Backoff:  BackoffExponential,
		Delay:    25 * time.Millisecond,
		MaxDelay: 500 * time.Millisecond,
	}
}

// IsRetryableError classifies whether an error should be retried.
// Typed TokayErrors decide for themselves; missing rows and cancellation never retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var te *schema.TokayError
	if errors.As(err, &te) {
		return te.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"database is locked",
		"i/o timeout",
		"temporary failure",
		"service unavailable",
		"too many connections",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff calculates the delay before retry attempt n (zero based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = policy.Delay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				break
			}
		}
	case BackoffLinear:
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
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

// Do runs fn, retrying retryable failures up to policy.Max additional times.
func Do(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || attempt >= policy.Max || !IsRetryableError(err) {
			return err
		}
		if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
			return err
		}
	}
}

// DoValue is Do for functions that produce a value.
func DoValue[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, policy, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
