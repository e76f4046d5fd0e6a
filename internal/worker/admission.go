package worker

import (
	"math"
	"sync"
	"time"

	"github.com/stackia/rtp2httpd-relay/internal/config"
)

// This file implements pre-accept admission control using token bucket rate
// limiting, adapted from per-query rate limiting to per-connection admission.
//
// Two checks gate every new client before a Service is even resolved:
//   - Global: overall worker-wide new-connection rate limit
//   - IP: per source IP new-connection rate limit
//
// A concurrent connection ceiling (MaxConnections) is enforced separately,
// since it isn't a rate at all — see Admission.Admit.

// TokenBucketConfig configures one token bucket rate limiter.
type TokenBucketConfig struct {
	Rate            float64 // tokens replenished per second
	Burst           int     // bucket capacity
	CleanupInterval time.Duration
	MaxEntries      int
}

// TokenBucket implements the token bucket algorithm: each tracked key has a
// bucket of tokens replenished at Rate/second up to Burst capacity; a
// request is allowed if at least one token is available.
type TokenBucket struct {
	rate            float64
	burst           float64
	cleanupInterval time.Duration
	maxEntries      int

	mu          sync.Mutex
	lastCleanup time.Time
	lastUpdate  map[string]time.Time
	tokens      map[string]float64
}

// NewTokenBucket creates a rate limiter with the given configuration.
func NewTokenBucket(cfg TokenBucketConfig) *TokenBucket {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1
	}
	ci := cfg.CleanupInterval
	if ci <= 0 {
		ci = 60 * time.Second
	}
	return &TokenBucket{
		rate:            cfg.Rate,
		burst:           float64(cfg.Burst),
		cleanupInterval: ci,
		maxEntries:      maxEntries,
		lastCleanup:     time.Now(),
		lastUpdate:      map[string]time.Time{},
		tokens:          map[string]float64{},
	}
}

// Allow consumes a token for key if one is available. Rate limiting is
// disabled entirely when rate or burst is <= 0.
func (b *TokenBucket) Allow(key string, now time.Time) bool {
	if b == nil || b.rate <= 0.0 || b.burst <= 0.0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastCleanup) > b.cleanupInterval {
		b.cleanupLocked(now)
	}

	last, exists := b.lastUpdate[key]
	if !exists {
		if len(b.lastUpdate) >= b.maxEntries {
			b.cleanupLocked(now)
			if len(b.lastUpdate) >= b.maxEntries {
				return false
			}
		}
		b.lastUpdate[key] = now
		b.tokens[key] = b.burst - 1.0
		return true
	}

	elapsed := now.Sub(last).Seconds()
	b.lastUpdate[key] = now

	tokens := b.tokens[key]
	if elapsed > 0 {
		tokens = math.Min(b.burst, tokens+(elapsed*b.rate))
	}

	if tokens >= 1.0 {
		b.tokens[key] = tokens - 1.0
		return true
	}
	b.tokens[key] = tokens
	return false
}

func (b *TokenBucket) cleanupLocked(now time.Time) {
	staleBefore := now.Add(-b.cleanupInterval)
	for k, last := range b.lastUpdate {
		if !last.After(staleBefore) {
			delete(b.lastUpdate, k)
			delete(b.tokens, k)
		}
	}
	b.lastCleanup = now
}

// Admission gates new clients against a worker-wide connection ceiling plus
// global and per-IP token buckets, before a Service is even resolved.
type Admission struct {
	global *TokenBucket
	ip     *TokenBucket

	maxConnections int

	mu      sync.Mutex
	current int
}

// NewAdmission builds an Admission controller from RateLimitConfig.
func NewAdmission(cfg config.RateLimitConfig) *Admission {
	cleanup := time.Duration(math.Max(0, cfg.CleanupSeconds) * float64(time.Second))
	if cleanup <= 0 {
		cleanup = 60 * time.Second
	}
	return &Admission{
		global: NewTokenBucket(TokenBucketConfig{Rate: cfg.GlobalQPS, Burst: cfg.GlobalBurst, CleanupInterval: cleanup, MaxEntries: 1}),
		ip:     NewTokenBucket(TokenBucketConfig{Rate: cfg.IPQPS, Burst: cfg.IPBurst, CleanupInterval: cleanup, MaxEntries: 65536}),

		maxConnections: cfg.MaxConnections,
	}
}

// Admit reserves a connection slot for srcIP, checking the concurrent
// ceiling first (cheapest check) then the rate limiters. On success the
// caller must call Release exactly once when the connection closes.
func (a *Admission) Admit(srcIP string, now time.Time) bool {
	a.mu.Lock()
	if a.maxConnections > 0 && a.current >= a.maxConnections {
		a.mu.Unlock()
		return false
	}
	a.current++
	a.mu.Unlock()

	if a.global.Allow("*", now) && a.ip.Allow(srcIP, now) {
		return true
	}

	a.mu.Lock()
	a.current--
	a.mu.Unlock()
	return false
}

// Release returns a connection slot reserved by a successful Admit.
func (a *Admission) Release() {
	a.mu.Lock()
	a.current--
	a.mu.Unlock()
}

// Current reports the number of admitted, not-yet-released connections.
func (a *Admission) Current() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
