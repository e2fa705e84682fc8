package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), nil, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, nil, func() error { return errors.New("always fails") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRetryReportCanAbort(t *testing.T) {
	sentinel := errors.New("permanent")
	cfg := Config{Report: func(error) error { return sentinel }}
	err := cfg.Retry(context.Background(), nil, func() error { return errors.New("boom") })
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
}

func TestRetryCapsAtMaxWait(t *testing.T) {
	cfg := Config{MaxWait: 2 * time.Millisecond}
	attempts := 0
	start := time.Now()
	cfg.Retry(context.Background(), nil, func() error {
		attempts++
		if attempts < 5 {
			return errors.New("transient")
		}
		return nil
	})
	// Not a tight timing assertion, just a sanity bound given a 2ms cap.
	if time.Since(start) > time.Second {
		t.Fatalf("retry took too long given MaxWait cap")
	}
}
