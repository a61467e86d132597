// Package breaker implements a per-service circuit breaker: closed, open,
// and half-open states with a cooldown-gated probe, modeled on the
// CircuitBreakerState convention used elsewhere in this codebase's ecosystem
// (iota-based enum, String method, 5-failure/30s-cooldown defaults).
package breaker

import (
	"sync"
	"time"

	"killfeed/broker/internal/apperr"
	"killfeed/broker/internal/clock"
)

// State is the circuit breaker's lifecycle state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// service holds the mutable state for one breaker instance.
type service struct {
	state           State
	failureCount    int
	lastFailure     time.Time
	openedAt        time.Time
	halfOpenInUse   bool
}

// Breaker guards a set of named services, each with its own independent
// state machine.
type Breaker struct {
	mu       sync.Mutex
	clock    clock.Clock
	threshold       int
	cooldown        time.Duration
	halfOpenTimeout time.Duration
	services        map[string]*service
}

// New constructs a Breaker with the given threshold and cooldown, applied
// uniformly to every service name it sees.
func New(c clock.Clock, threshold int, cooldown, halfOpenTimeout time.Duration) *Breaker {
	if c == nil {
		c = clock.System
	}
	return &Breaker{
		clock:           c,
		threshold:       threshold,
		cooldown:        cooldown,
		halfOpenTimeout: halfOpenTimeout,
		services:        make(map[string]*service),
	}
}

func (b *Breaker) serviceFor(name string) *service {
	svc, ok := b.services[name]
	if !ok {
		svc = &service{state: Closed}
		b.services[name] = svc
	}
	return svc
}

// State reports the current state of the named service, resolving the
// Open→HalfOpen cooldown transition as a side effect if elapsed.
func (b *Breaker) State(name string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	svc := b.serviceFor(name)
	b.resolveCooldownLocked(svc)
	return svc.state
}

func (b *Breaker) resolveCooldownLocked(svc *service) {
	if svc.state == Open && b.clock.Now().Sub(svc.openedAt) >= b.cooldown {
		svc.state = HalfOpen
		svc.halfOpenInUse = false
	}
}

// Execute runs fn if the named service's breaker permits it. It returns
// apperr.KindCircuitOpen immediately (without calling fn) when the breaker
// is open, or when it is half-open and a probe is already in flight.
func (b *Breaker) Execute(name string, fn func() error) error {
	b.mu.Lock()
	svc := b.serviceFor(name)
	b.resolveCooldownLocked(svc)

	switch svc.state {
	case Open:
		b.mu.Unlock()
		return apperr.New(apperr.KindCircuitOpen, "breaker open for "+name)
	case HalfOpen:
		if svc.halfOpenInUse {
			b.mu.Unlock()
			return apperr.New(apperr.KindCircuitOpen, "breaker half-open probe in flight for "+name)
		}
		svc.halfOpenInUse = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailureLocked(svc)
	} else {
		b.recordSuccessLocked(svc)
	}
	return err
}

func (b *Breaker) recordSuccessLocked(svc *service) {
	svc.state = Closed
	svc.failureCount = 0
	svc.halfOpenInUse = false
}

func (b *Breaker) recordFailureLocked(svc *service) {
	svc.lastFailure = b.clock.Now()
	svc.halfOpenInUse = false
	if svc.state == HalfOpen {
		svc.state = Open
		svc.openedAt = b.clock.Now()
		return
	}
	svc.failureCount++
	if svc.failureCount >= b.threshold {
		svc.state = Open
		svc.openedAt = b.clock.Now()
	}
}

// ForceOpen manually trips the named service's breaker.
func (b *Breaker) ForceOpen(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	svc := b.serviceFor(name)
	svc.state = Open
	svc.openedAt = b.clock.Now()
}

// ForceClose manually resets the named service's breaker to Closed.
func (b *Breaker) ForceClose(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	svc := b.serviceFor(name)
	svc.state = Closed
	svc.failureCount = 0
	svc.halfOpenInUse = false
}
