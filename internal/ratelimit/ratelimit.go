// Package ratelimit implements per-principal token-bucket admission
// control for scan submissions (spec §4.1, §5 "Admission control").
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a single principal's bucket.
type Config struct {
	PerMinute int
	Burst     int
}

// DefaultConfig matches spec.md's default of 5 admissions/minute.
func DefaultConfig() Config {
	return Config{PerMinute: 5, Burst: 5}
}

// PrincipalLimiter tracks one token bucket per principal; every Allow call
// for a principal draws on that one bucket, with no split by operation
// class. Idle buckets are dropped only when Evict is called.
type PrincipalLimiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New constructs a PrincipalLimiter.
func New(cfg Config) *PrincipalLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerMinute
	}
	return &PrincipalLimiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// Allow reports whether principal may perform one more admission right
// now. A failed admission never consumes a token (spec §8 testable
// property "rate-limited submissions do not consume admission tickets").
func (p *PrincipalLimiter) Allow(principal string) bool {
	p.mu.Lock()
	b, ok := p.buckets[principal]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(p.cfg.PerMinute)/60.0), p.cfg.Burst)}
		p.buckets[principal] = b
	}
	b.lastAccess = time.Now()
	p.mu.Unlock()

	// Reserve, then cancel on rejection so no token is spent.
	reservation := b.limiter.ReserveN(time.Now(), 1)
	if !reservation.OK() {
		return false
	}
	if reservation.Delay() > 0 {
		reservation.Cancel()
		return false
	}
	return true
}

// Evict drops buckets untouched for longer than ttl, bounding memory
// growth across the lifetime of the process.
func (p *PrincipalLimiter) Evict(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for principal, b := range p.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(p.buckets, principal)
		}
	}
}
