package ratelimit

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := clock.NewMock()
	b := NewTokenBucket(clk, 5, 5) // 5 tokens capacity, 5 tokens/sec.

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Add(200 * time.Millisecond) // 1 token refilled (5 tokens/sec).
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := clock.NewMock()
	b := NewTokenBucket(clk, 1, 1) // capacity 1 token.

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}

	clk.Add(10 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestTokenBucket_ZeroCostAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(clock.NewMock(), 0, 0)
	if !b.Allow(0) {
		t.Fatalf("Allow(0)=false, want true")
	}
	if b.Allow(1) {
		t.Fatalf("Allow(1)=true on zero-capacity bucket")
	}
}

func TestTokenBucket_HugeElapsedDoesNotOverflow(t *testing.T) {
	clk := clock.NewMock()
	b := NewTokenBucket(clk, 3, 1<<40)
	if !b.Allow(3) {
		t.Fatalf("expected initial burst")
	}
	clk.Add(1000 * time.Hour)
	if !b.Allow(3) {
		t.Fatalf("expected full bucket after long idle period")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp")
	}
}
