package google

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
)

const (
	// defaultMaxAttempts is the number of tries before Retry gives up.
	defaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// Retry executes fn up to maxAttempts times with exponential backoff and
// jitter while fn fails with a rate-limit or server error. Any other error is
// returned immediately. If all attempts are exhausted the last failure is
// returned wrapped.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts-1 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

// Retryable reports whether err is a rate-limit or transient server error
// from the Calendar API.
func Retryable(err error) bool {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return false
	}
	if gErr.Code == http.StatusTooManyRequests || gErr.Code >= http.StatusInternalServerError {
		return true
	}
	return hasReason(gErr, "rateLimitExceeded", "userRateLimitExceeded")
}

// backoffDelay computes the delay for a given attempt index, applying
// exponential growth with 50–100 % jitter.
func backoffDelay(attempt int) time.Duration {
	delay := baseDelay * (1 << attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	// Jitter: uniform in [delay/2, delay).
	jitter := time.Duration(rand.Int63n(int64(delay) / 2)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}

func hasReason(gErr *googleapi.Error, reasons ...string) bool {
	for _, item := range gErr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}
