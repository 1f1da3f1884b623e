// Package ratelimit provides token-bucket admission control keyed per
// agent and per operation, for the surrounding layer to configure on the
// engine.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a single per-key limiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns a permissive default (100 req/s, burst 50).
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 100, Burst: 50}
}

// Limiter rate-limits operations keyed by an arbitrary string (typically
// "<agent_id>:<operation>"), creating a token bucket lazily per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	cfg     Config
}

// New creates a Limiter using cfg for every key.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
	}
	return &Limiter{buckets: make(map[string]*rate.Limiter), cfg: cfg}
}

// Allow reports whether the operation identified by key may proceed now,
// consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// AllowAt reports whether key may proceed at time t (useful for tests).
func (l *Limiter) AllowAt(key string, t time.Time) bool {
	return l.bucket(key).AllowN(t, 1)
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
		l.buckets[key] = b
	}
	return b
}

// Reset clears all buckets, forcing fresh limiters on next Allow.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*rate.Limiter)
}
