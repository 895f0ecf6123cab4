// Package ratelimit implements per-API-key token bucket limits for the
// search endpoint.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/websearch-control-plane/internal/metrics"
)

const (
	defaultLimit  = 1000
	defaultWindow = time.Minute
	idleTTL       = 10 * time.Minute
)

// Config holds rate limiter configuration.
type Config struct {
	// Limit is the number of requests allowed per Window and the burst size.
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one Allow call, carrying the values surfaced in
// X-RateLimit-* headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-key rate limits.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     int
	window    time.Duration
	every     rate.Limit
	lastSweep time.Time
	now       func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   cfg.Limit,
		window:  cfg.Window,
		every:   rate.Limit(float64(cfg.Limit) / cfg.Window.Seconds()),
		now:     time.Now,
	}
}

// Allow consumes one token for key.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	if !allowed {
		metrics.ObserveRateLimited()
	}
	tokens := b.limiter.TokensAt(now)
	remaining := max(int(math.Floor(tokens)), 0)
	return Decision{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     now.Add(l.refill(tokens)),
	}
}

// refill returns how long the bucket needs to fill back up.
func (l *Limiter) refill(tokens float64) time.Duration {
	missing := float64(l.limit) - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * float64(l.window) / float64(l.limit))
}

func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < idleTTL {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleTTL {
			delete(l.buckets, key)
		}
	}
}
