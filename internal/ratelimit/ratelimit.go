// Package ratelimit implements the per-service token bucket guarding
// outbound calls to the feed and enrichment sources, backed by
// golang.org/x/time/rate.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"killfeed/broker/internal/clock"
)

// Default service names used throughout the pipeline.
const (
	ServiceFeed   = "feed-source"
	ServiceEnrich = "enrichment-source"
)

// State is a point-in-time observability snapshot of one bucket.
type State struct {
	Service         string
	Capacity        int
	RefillPerMinute int
	Tokens          float64
}

// bucket pairs an x/time/rate.Limiter with the static configuration needed
// to report State, since the library does not expose refill rate or
// capacity after construction.
type bucket struct {
	limiter         *rate.Limiter
	capacity        int
	refillPerMinute int
}

// Limiter tracks one token bucket per named service. Tokens in [0, capacity]
// at all times; refill is computed lazily by the underlying rate.Limiter, so
// there is no background timer.
type Limiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*bucket
}

// New constructs a Limiter with no registered services. Register must be
// called for each service before TryAcquire/State are used against it.
func New(c clock.Clock) *Limiter {
	if c == nil {
		c = clock.System
	}
	return &Limiter{clock: c, buckets: make(map[string]*bucket)}
}

// Register defines a service's bucket shape. Re-registering a service resets
// its bucket to full capacity.
func (l *Limiter) Register(service string, capacity, refillPerMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := rate.Limit(float64(refillPerMinute) / 60.0)
	l.buckets[service] = &bucket{
		limiter:         rate.NewLimiter(limit, capacity),
		capacity:        capacity,
		refillPerMinute: refillPerMinute,
	}
}

// TryAcquire attempts to take one token from service's bucket. It returns
// true (and consumes a token) if one was available, false otherwise. An
// unregistered service is treated as unlimited (always allowed) so callers
// need not register services they don't care to throttle.
func (l *Limiter) TryAcquire(service string) bool {
	l.mu.Lock()
	b, ok := l.buckets[service]
	l.mu.Unlock()
	if !ok {
		return true
	}
	return b.limiter.AllowN(l.clock.Now(), 1)
}

// State reports the current bucket shape and an estimate of available
// tokens for the named service. The zero State is returned for an
// unregistered service.
func (l *Limiter) State(service string) State {
	l.mu.Lock()
	b, ok := l.buckets[service]
	l.mu.Unlock()
	if !ok {
		return State{Service: service}
	}
	tokens := b.limiter.TokensAt(l.clock.Now())
	return State{
		Service:         service,
		Capacity:        b.capacity,
		RefillPerMinute: b.refillPerMinute,
		Tokens:          tokens,
	}
}
