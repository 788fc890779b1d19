// Package ratelimit paces GetRecords calls per shard.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultRPS stays under the DynamoDB Streams limit of five GetRecords
// calls per second per shard, shared with any other reader.
const DefaultRPS = 4

// Limiter provides per-shard token buckets. Buckets are created lazily on
// first use with the default rate and can be overridden with Set.
type Limiter struct {
	mu       sync.RWMutex
	rps      float64
	burst    int
	limiters map[string]*rate.Limiter
}

// New creates a Limiter whose buckets allow rps calls per second. A zero
// rps disables limiting for keys without an explicit Set.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		rps:      rps,
		burst:    normalizeBurst(rps, burst),
		limiters: make(map[string]*rate.Limiter),
	}
}

func normalizeBurst(rps float64, burst int) int {
	if burst > 0 {
		return burst
	}
	burst = int(rps)
	if burst < 1 {
		burst = 1
	}
	return burst
}

// Set configures rate limiting for a key. A zero rps means no limit.
func (l *Limiter) Set(key string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rps <= 0 {
		l.limiters[key] = rate.NewLimiter(rate.Inf, 0)
		return
	}
	l.limiters[key] = rate.NewLimiter(rate.Limit(rps), normalizeBurst(rps, burst))
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	if l.rps <= 0 {
		lim = rate.NewLimiter(rate.Inf, 0)
	} else {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	}
	l.limiters[key] = lim
	return lim
}

// Allow reports whether a call for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.get(key).Allow()
}

// Wait blocks until a call for key may proceed or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil {
		return ctx.Err()
	}
	return l.get(key).Wait(ctx)
}

// Forget drops the bucket for a retired shard.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
