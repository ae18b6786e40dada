package llm

import (
	"context"
	"errors"
	"testing"
)

func TestWithRetryHTTPSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := WithRetryHTTP(context.Background(), 3, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 503, errors.New("server unavailable")
		}
		return 200, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWithRetryHTTPStopsOnNonRetryableStatus(t *testing.T) {
	calls := 0
	err := WithRetryHTTP(context.Background(), 5, func(ctx context.Context) (int, error) {
		calls++
		return 400, errors.New("bad request")
	})
	if err == nil {
		t.Fatalf("expected error to surface")
	}
	if calls != 1 {
		t.Fatalf("expected a 4xx to short-circuit after one attempt, got %d calls", calls)
	}
}

func TestWithRetryHTTPExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetryHTTP(context.Background(), 2, func(ctx context.Context) (int, error) {
		calls++
		return 503, errors.New("still unavailable")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}
}

func TestWithRetryHTTPHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := WithRetryHTTP(ctx, 3, func(ctx context.Context) (int, error) {
		calls++
		return 503, errors.New("unavailable")
	})
	if err == nil {
		t.Fatalf("expected error when context already cancelled")
	}
	if calls > 1 {
		t.Fatalf("expected backoff sleep to observe cancellation quickly, got %d calls", calls)
	}
}
