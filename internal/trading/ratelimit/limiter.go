// Package ratelimit provides the token bucket shared by every outbound order action
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a non-blocking token bucket. Capacity equals the
// configured rate (at least one token) and refills continuously.
type RateLimiter struct {
	limiter *rate.Limiter
	maxRate float64
	now     func() time.Time
}

// NewRateLimiter creates a bucket refilling at maxRate tokens per second
func NewRateLimiter(maxRate float64) (*RateLimiter, error) {
	return NewRateLimiterWithClock(maxRate, time.Now)
}

// NewRateLimiterWithClock is NewRateLimiter with an injected clock
func NewRateLimiterWithClock(maxRate float64, now func() time.Time) (*RateLimiter, error) {
	if maxRate <= 0 || math.IsNaN(maxRate) || math.IsInf(maxRate, 0) {
		return nil, fmt.Errorf("rate limit must be positive, got %v", maxRate)
	}
	burst := int(math.Floor(maxRate))
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(maxRate), burst)
	// Start full, as of the injected clock.
	l.SetBurstAt(now(), burst)
	return &RateLimiter{
		limiter: l,
		maxRate: maxRate,
		now:     now,
	}, nil
}

// Acquire consumes one token if available. It never blocks.
func (r *RateLimiter) Acquire() bool {
	return r.limiter.AllowN(r.now(), 1)
}

// Wait blocks until a token is available or ctx is done. Only for callers
// outside the decision path, such as one-shot CLI orders.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Available returns the current token count
func (r *RateLimiter) Available() float64 {
	return r.limiter.TokensAt(r.now())
}

// Rate returns the configured refill rate
func (r *RateLimiter) Rate() float64 {
	return r.maxRate
}

// Capacity returns the bucket size
func (r *RateLimiter) Capacity() int {
	return r.limiter.Burst()
}
