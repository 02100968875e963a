package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("declined")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := Do(ctx, 5, 50*time.Millisecond, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestPolicy_MaxDelayCapsBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 2 * time.Millisecond, MaxDelay: 3 * time.Millisecond}
	start := time.Now()
	_ = p.Do(context.Background(), func() error { return errors.New("x") })
	// Uncapped: ~2+4+8 = 14ms. Capped: ~2+3+3 = 8ms (plus jitter).
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("backoff not capped, took %v", elapsed)
	}
}

func TestPermanentHelpers(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Fatal("expected IsPermanent")
	}
	if IsPermanent(errors.New("x")) {
		t.Fatal("plain error reported permanent")
	}
}
