package github

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a simple token bucket rate limiter. The search API
// allows 30 requests per minute per token; searches wait on it before going out.
type RateLimiter struct {
	lastRefill time.Time
	refillRate time.Duration
	tokens     int
	maxTokens  int
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter allowing maxRequests per perDuration.
func NewRateLimiter(maxRequests int, perDuration time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxRequests,
		maxTokens:  maxRequests,
		refillRate: perDuration / time.Duration(maxRequests),
		lastRefill: time.Now(),
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if added := int(now.Sub(r.lastRefill) / r.refillRate); added > 0 {
		r.tokens = min(r.tokens+added, r.maxTokens)
		r.lastRefill = r.lastRefill.Add(time.Duration(added) * r.refillRate)
	}

	if r.tokens > 0 {
		r.tokens--
		return true
	}
	return false
}

// Wait blocks until a request is allowed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for !r.Allow() {
		timer := time.NewTimer(r.refillRate)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
