package outbox

import (
	"sync"
	"time"
)

// RateLimiter is a token-bucket admission gate refilled continuously at
// ratePerSecond tokens per second, capped at its capacity.
// No rate-limiting library appears anywhere in the example pack (grepping
// every go.mod/go.sum in _examples turns up nothing resembling
// golang.org/x/time/rate or an equivalent) so this is hand-rolled rather
// than borrowed.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter constructs a bucket with capacity ratePerSecond, starting
// full.
func NewRateLimiter(ratePerSecond int) *RateLimiter {
	return &RateLimiter{
		capacity:   float64(ratePerSecond),
		tokens:     float64(ratePerSecond),
		refillRate: float64(ratePerSecond),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

func (r *RateLimiter) refillLocked() {
	now := r.now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	r.lastRefill = now
}

// TryAcquire attempts to take one token. Non-blocking: returns false
// immediately on exhaustion with no side effects on the bucket's state
// beyond the lazy refill.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refillLocked()
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}
