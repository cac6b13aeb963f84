package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestRetrySucceedsAfterFailures(t *testing.T) {
	r := Retry{Attempts: 3, Delays: []time.Duration{time.Millisecond}}
	calls := 0
	err := r.Do(context.Background(), func(error) bool { return true }, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	r := Retry{Attempts: 5, Delays: []time.Duration{time.Millisecond}}
	fatal := errors.New("fatal")
	calls := 0
	err := r.Do(context.Background(), func(err error) bool { return !errors.Is(err, fatal) }, func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single call, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	r := Retry{Attempts: 3, Delays: []time.Duration{time.Millisecond}}
	calls := 0
	err := r.Do(context.Background(), func(error) bool { return true }, func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	r := Retry{Attempts: 10, Delays: []time.Duration{50 * time.Millisecond}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := r.Do(ctx, func(error) bool { return true }, func(context.Context) error {
		calls++
		return errTransient
	})
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation took effect, got %d", calls)
	}
}
