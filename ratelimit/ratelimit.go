// Package ratelimit provides the token-bucket rate limiting used at the
// front of the tool-call pipeline: one global bucket shared by every caller,
// plus a per-key bucket pool (keyed by API key or session id) bounded by an
// LRU registry so an unbounded set of callers cannot exhaust memory.
//
// golang.org/x/time/rate already implements the token-bucket algorithm
// correctly (including fractional refill and burst handling), so this
// package wraps it rather than reimplementing a bucket from scratch.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/edgemcp/mcpd/internal/containers"
)

// Limiter is a single token-bucket rate limiter with allowed/denied
// counters, exposing tryAcquire and retryAfterMs semantics.
type Limiter struct {
	bucket  *rate.Limiter
	allowed uint64
	denied  uint64
}

// NewLimiter creates a Limiter refilling at ratePerSec tokens/second with a
// maximum burst of burst tokens.
func NewLimiter(ratePerSec float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// TryAcquire attempts to take one token at time now, reporting whether it
// succeeded.
func (l *Limiter) TryAcquire(now time.Time) bool {
	ok := l.bucket.AllowN(now, 1)
	if ok {
		l.allowed++
	} else {
		l.denied++
	}
	return ok
}

// RetryAfter returns how long the caller should wait before the next token
// becomes available, as of now.
func (l *Limiter) RetryAfter(now time.Time) time.Duration {
	res := l.bucket.ReserveN(now, 1)
	defer res.Cancel()
	if res.OK() && res.Delay() == 0 {
		return 0
	}
	return res.Delay()
}

// Stats reports this limiter's lifetime allow/deny counts.
func (l *Limiter) Stats() (allowed, denied uint64) {
	return l.allowed, l.denied
}

// KeyedRegistry manages one Limiter per key, bounded by an LRU eviction
// policy so a caller that mints unbounded distinct keys (session ids, API
// keys) cannot grow this registry without limit.
type KeyedRegistry struct {
	registry   *containers.LRURegistry[string, *Limiter]
	ratePerSec float64
	burst      int
}

// NewKeyedRegistry creates a registry bounded at capacity distinct keys,
// where each new key's Limiter is configured with ratePerSec and burst.
func NewKeyedRegistry(capacity int, ratePerSec float64, burst int) *KeyedRegistry {
	return &KeyedRegistry{
		registry:   containers.NewLRURegistry[string, *Limiter](capacity, nil),
		ratePerSec: ratePerSec,
		burst:      burst,
	}
}

// TryAcquire attempts to take one token from the bucket for key, creating a
// fresh bucket for previously unseen keys.
func (r *KeyedRegistry) TryAcquire(key string, now time.Time) bool {
	limiter, _ := r.registry.GetOrCreate(key, func() *Limiter {
		return NewLimiter(r.ratePerSec, r.burst)
	})
	return limiter.TryAcquire(now)
}

// RetryAfter reports the wait time for key's bucket, creating a fresh bucket
// for previously unseen keys.
func (r *KeyedRegistry) RetryAfter(key string, now time.Time) time.Duration {
	limiter, _ := r.registry.GetOrCreate(key, func() *Limiter {
		return NewLimiter(r.ratePerSec, r.burst)
	})
	return limiter.RetryAfter(now)
}

// Len returns the number of distinct keys currently tracked.
func (r *KeyedRegistry) Len() int { return r.registry.Len() }
