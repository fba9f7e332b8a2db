package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/zxc5118690/Sales-Copilot/internal/resilience"
)

func TestRetryWithBackoffRetriesUntilSuccess(t *testing.T) {
	cfg := resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond}
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithBackoffExhausts(t *testing.T) {
	cfg := resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond}
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 failing calls, got %d err=%v", calls, err)
	}
}

func TestRetryWithBackoffStopsOnPermanent(t *testing.T) {
	cfg := resilience.Config{MaxRetries: 5, InitialBackoff: time.Millisecond}
	bad := errors.New("bad request")
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		calls++
		return resilience.Permanent(bad)
	})
	if !errors.Is(err, bad) || calls != 1 {
		t.Fatalf("expected single call returning bad, got %d err=%v", calls, err)
	}
}

func TestRetryWithBackoffHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := resilience.RetryWithBackoff(ctx, resilience.Config{MaxRetries: 3, InitialBackoff: time.Second}, func() error {
		t.Fatalf("fn must not run on cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCircuitBreakerTrips(t *testing.T) {
	cb := resilience.NewCircuitBreaker("test")
	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, errors.New("fail") })
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}
	if _, err := cb.Execute(func() (any, error) { return nil, nil }); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
}

func TestBulkheadLimits(t *testing.T) {
	b := resilience.NewBulkhead(1)
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Acquire(ctx); err == nil {
		t.Fatalf("expected second acquire to time out")
	}
	b.Release()
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
