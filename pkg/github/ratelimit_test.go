package github

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("first two requests should be allowed")
	}
	if rl.Allow() {
		t.Error("third request should be refused until a token is refilled")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond)
	if !rl.Allow() {
		t.Fatal("first request should be allowed")
	}

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Wait returned after %v, expected to wait for a refill", elapsed)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}
