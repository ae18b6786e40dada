package llm

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// retryableHTTP reports whether an HTTP status code or transport error
// should be retried with backoff (transient 5xx / network failure) as
// opposed to surfaced immediately (4xx, spec §4.4).
func retryableHTTP(statusCode int, err error) bool {
	if statusCode > 0 {
		return statusCode >= http.StatusInternalServerError
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return true
		}
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return false
}

// WithRetryHTTP runs fn up to maxAttempts times, backing off exponentially
// with jitter between transient failures. fn reports its own statusCode (0
// if not HTTP-shaped) so the caller can decide retryability precisely
// (spec §4.4: transient 5xx/network errors retried, 4xx surfaced
// immediately).
func WithRetryHTTP(ctx context.Context, maxAttempts int, fn func(ctx context.Context) (statusCode int, err error)) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	base := 250 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryableHTTP(status, err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		sleep := base * time.Duration(1<<uint(attempt))
		sleep += time.Duration(rand.Int63n(int64(base)))
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
