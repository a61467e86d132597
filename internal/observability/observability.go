// Package observability implements the structured telemetry event emitter
// and periodic status snapshot aggregator. Every component reports through
// the same (name, measurements, metadata) shape, mirroring the teacher's
// logging.Field convention generalized into a typed event.
package observability

import (
	"sync"
	"time"

	"killfeed/broker/internal/clock"
	"killfeed/broker/internal/logging"
)

// Event is one structured telemetry emission.
type Event struct {
	Name         string
	Measurements map[string]float64
	Metadata     map[string]any
	At           time.Time
}

// Sink receives every emitted Event. Production code logs it; tests can
// install a capturing sink.
type Sink func(Event)

// Emitter fans telemetry events out to a logger and an optional additional
// sink.
type Emitter struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *logging.Logger
	sink   Sink
}

// NewEmitter constructs an Emitter. sink may be nil.
func NewEmitter(c clock.Clock, logger *logging.Logger, sink Sink) *Emitter {
	if c == nil {
		c = clock.System
	}
	return &Emitter{clock: c, logger: logger, sink: sink}
}

// Emit records one telemetry event.
func (e *Emitter) Emit(name string, measurements map[string]float64, metadata map[string]any) {
	evt := Event{Name: name, Measurements: measurements, Metadata: metadata, At: e.clock.Now()}

	if e.logger != nil {
		fields := make([]logging.Field, 0, len(measurements)+len(metadata)+1)
		fields = append(fields, logging.String("event", name))
		for k, v := range measurements {
			fields = append(fields, logging.Field{Key: k, Value: v})
		}
		for k, v := range metadata {
			fields = append(fields, logging.Field{Key: k, Value: v})
		}
		e.logger.Debug("telemetry", fields...)
	}

	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink != nil {
		sink(evt)
	}
}

// FeedCounters tallies ingest-worker outcomes.
type FeedCounters struct {
	Received int64
	Skipped  int64
	Older    int64
	Errors   int64
}

// CacheStats summarizes enrichment cache occupancy and hit ratio.
type CacheStats struct {
	Size    int
	Hits    int64
	Misses  int64
}

// EventStoreStats summarizes event log occupancy.
type EventStoreStats struct {
	Size          int
	MinSeq        uint64
	MaxSeq        uint64
	ActiveSystems int
}

// SubscriptionStats summarizes subscription counts by transport kind.
type SubscriptionStats struct {
	Total      int
	Channel    int
	Webhook    int
}

// Snapshot is the full status-endpoint payload.
type Snapshot struct {
	Feed          FeedCounters
	Cache         CacheStats
	EventStore    EventStoreStats
	Subscriptions SubscriptionStats
	BreakerStates map[string]string
	RateLimits    map[string]float64
	UptimeSeconds float64
	GeneratedAt   time.Time
}

// SourceFunc produces a full Snapshot on demand. Aggregator calls it on every
// Refresh; Latest returns the last refreshed snapshot without calling it.
type SourceFunc func() Snapshot

// Aggregator periodically (or on demand) assembles a Snapshot by calling a
// registered source function, and caches the last snapshot for the status
// HTTP endpoint.
type Aggregator struct {
	mu       sync.RWMutex
	clock    clock.Clock
	source   SourceFunc
	started  time.Time
	last     Snapshot
	interval time.Duration
	stopCh   chan struct{}
}

// NewAggregator constructs an Aggregator. source is called to build each
// snapshot; interval controls the background refresh cadence used by Run.
func NewAggregator(c clock.Clock, interval time.Duration, source SourceFunc) *Aggregator {
	if c == nil {
		c = clock.System
	}
	return &Aggregator{
		clock:    c,
		source:   source,
		started:  c.Now(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Refresh computes a fresh snapshot immediately and caches it.
func (a *Aggregator) Refresh() Snapshot {
	snap := a.source()
	snap.UptimeSeconds = a.clock.Now().Sub(a.started).Seconds()
	snap.GeneratedAt = a.clock.Now()
	a.mu.Lock()
	a.last = snap
	a.mu.Unlock()
	return snap
}

// Latest returns the most recently computed snapshot without recomputing.
func (a *Aggregator) Latest() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// Run refreshes the snapshot immediately and then on a fixed interval until
// stop is closed. Intended to run in its own goroutine as the status
// aggregator actor.
func (a *Aggregator) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.Refresh()
	for {
		select {
		case <-ticker.C:
			a.Refresh()
		case <-stop:
			return
		}
	}
}
