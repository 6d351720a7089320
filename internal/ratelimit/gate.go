// Package ratelimit provides a shared per-key request throttle used by the
// crawl engine and the proxy prober.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Gate limits operations per key to a configured requests-per-interval budget.
// A limiter is created lazily for each key and kept for the lifetime of the Gate.
type Gate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewGate creates a Gate allowing requestsPerSecond operations per key with
// the given burst capacity. Non-positive values fall back to sane defaults.
func NewGate(requestsPerSecond float64, burst int) *Gate {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	if burst < 1 {
		burst = 1
	}
	return &Gate{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Wait blocks until an operation on key is permitted or ctx is cancelled.
func (g *Gate) Wait(ctx context.Context, key string) error {
	return g.limiterFor(key).Wait(ctx)
}

// Allow reports whether an operation on key may proceed immediately,
// consuming a token if so.
func (g *Gate) Allow(key string) bool {
	return g.limiterFor(key).Allow()
}

func (g *Gate) limiterFor(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	limiter, ok := g.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(g.limit, g.burst)
		g.limiters[key] = limiter
	}
	return limiter
}
