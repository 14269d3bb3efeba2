package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/homeos/pkg/schema"
)

// IsRetryableError classifies whether an activity error should be retried.
// Network errors, timeouts and untyped errors are retried; typed errors decide by code.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A per-attempt timeout is retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the run is stopping.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var hErr *schema.HomeOSError
	if errors.As(err, &hErr) {
		return hErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Let the attempt budget bound everything else.
	return true
}

// MaxAttempts returns the attempt budget of a policy, at least one.
func MaxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
// Supports none, constant, linear and exponential backoff with an optional MaxDelay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" || policy.Backoff == "none" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if delay <= 0 { // overflow
				delay = time.Duration(1<<63 - 1)
				break
			}
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // constant or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context's error.
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
