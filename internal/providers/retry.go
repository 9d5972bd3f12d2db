package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig controls retry behavior for provider HTTP calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns the standard retry policy for LLM calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// HTTPError is a non-2xx response from a provider API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// retryable reports whether the error is worth retrying: rate limits,
// server errors, and transport failures. Client errors are permanent.
func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// RetryDo runs fn with exponential backoff and jitter. A Retry-After
// hint from the server overrides the computed backoff.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			var he *HTTPError
			if errors.As(lastErr, &he) && he.RetryAfter > 0 {
				delay = he.RetryAfter
			}
			delay += time.Duration(rand.Int63n(int64(delay) / 4))

			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// ParseRetryAfter parses a Retry-After header value in seconds.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
