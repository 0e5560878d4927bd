package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var errBoom = errors.New("boom")

// gobreaker tracks its own Open->HalfOpen timeout against the real wall
// clock (it has no clock injection point), so these tests use a short real
// ResetTimeout and a real sleep rather than FakeClock.Advance.

func TestCircuitBreaker_OpensAfterThresholdThenHalfOpensThenCloses(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	cfg := CircuitConfig{
		ErrorThresholdPct:   50,
		MinRequestThreshold: 2,
		ResetTimeout:        20 * time.Millisecond,
		Timeout:             time.Second,
	}
	b := NewCircuitBreaker("ep", cfg, clock)
	ctx := context.Background()

	fail := func() error {
		return b.Execute(ctx, func(context.Context) error { return errBoom })
	}
	succeed := func() error {
		return b.Execute(ctx, func(context.Context) error { return nil })
	}

	if err := fail(); !errors.Is(err, errBoom) {
		t.Fatalf("first failure: got %v, want errBoom", err)
	}
	if got := b.Mode(); got != BreakerClosed {
		t.Fatalf("after one failure below minRequestThreshold: mode = %v, want Closed", got)
	}

	if err := fail(); !errors.Is(err, errBoom) {
		t.Fatalf("second failure: got %v, want errBoom", err)
	}
	if got := b.Mode(); got != BreakerOpen {
		t.Fatalf("after reaching threshold: mode = %v, want Open", got)
	}

	if err := fail(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("while open: got %v, want ErrCircuitOpen", err)
	}

	time.Sleep(cfg.ResetTimeout + 10*time.Millisecond)
	if got := b.Mode(); got != BreakerHalfOpen {
		t.Fatalf("after reset timeout: mode = %v, want HalfOpen", got)
	}

	for i := 0; i < 3; i++ {
		if err := succeed(); err != nil {
			t.Fatalf("half-open success %d: got %v, want nil", i, err)
		}
	}
	if got := b.Mode(); got != BreakerClosed {
		t.Fatalf("after halfOpenQuota successes: mode = %v, want Closed", got)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	cfg := CircuitConfig{
		ErrorThresholdPct:   50,
		MinRequestThreshold: 1,
		ResetTimeout:        20 * time.Millisecond,
		Timeout:             time.Second,
	}
	b := NewCircuitBreaker("ep", cfg, clock)
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	if diff := cmp.Diff(BreakerOpen, b.Mode()); diff != "" {
		t.Fatalf("mode mismatch (-want +got):\n%s", diff)
	}

	time.Sleep(cfg.ResetTimeout + 10*time.Millisecond)
	if diff := cmp.Diff(BreakerHalfOpen, b.Mode()); diff != "" {
		t.Fatalf("mode mismatch (-want +got):\n%s", diff)
	}

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	if diff := cmp.Diff(BreakerOpen, b.Mode()); diff != "" {
		t.Fatalf("half-open failure should reopen (-want +got):\n%s", diff)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	cfg := CircuitConfig{ErrorThresholdPct: 50, MinRequestThreshold: 1, ResetTimeout: time.Minute, Timeout: time.Second}
	b := NewCircuitBreaker("ep", cfg, clock)
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	if b.Mode() != BreakerOpen {
		t.Fatalf("want Open before Reset")
	}

	b.Reset()
	if b.Mode() != BreakerClosed {
		t.Fatalf("want Closed after Reset")
	}
}
