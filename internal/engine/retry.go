package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/crewline/crewline/pkg/schema"
)

// IsRetryableError classifies whether a failed agent call should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: context cancellation and typed CrewlineErrors whose codes
// mark a permanent failure.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Step-level timeout, not execution shutdown.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the execution is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// CrewlineError checks its own code.
	var cwErr *schema.CrewlineError
	if errors.As(err, &cwErr) {
		return cwErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (conservative — let the retry policy limit attempts).
	return true
}

// ComputeBackoff returns the exponential backoff delay before retry
// `attempt` (0-based): base * 2^attempt, capped at max.
func ComputeBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early
// if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
