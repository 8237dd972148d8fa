package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Policy{Attempts: 3, BaseDelay: time.Millisecond}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast, func() error {
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
	err := Do(context.Background(), fast, func() error {
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

func TestDo_PermanentStopsImmediately(t *testing.T) {
	var calls int
	sentinel := errors.New("bad input")
	err := Do(context.Background(), fast, func() error {
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

func TestDo_RetryIfFiltersErrors(t *testing.T) {
	conflict := errors.New("conflict")
	other := errors.New("other")
	p := Policy{Attempts: 5, RetryIf: func(err error) bool { return errors.Is(err, conflict) }}

	var calls int
	err := Do(context.Background(), p, func() error {
		calls++
		if calls == 1 {
			return conflict
		}
		return other
	})
	if !errors.Is(err, other) {
		t.Fatalf("expected other, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{Attempts: 3, BaseDelay: time.Second}, func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestJittered_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jittered(100*time.Millisecond, 0)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jitter out of range: %v", d)
		}
	}
	if d := jittered(time.Hour, time.Second); d > 1250*time.Millisecond {
		t.Fatalf("max delay not applied: %v", d)
	}
}
