// Package eventstore implements the sequence-numbered, in-memory event log
// keyed by system id, with per-client offset tracking and GC, adapted from
// this repository's reference event stream (monotonic counter, ordered log,
// per-subscriber state) and generalized from combat/radar payloads to
// killmail events and from ack-based retention to an offset/GC model.
package eventstore

import (
	"sort"
	"sync"
	"time"

	"killfeed/broker/internal/clock"
	"killfeed/broker/internal/model"
)

// Store is an append-only log of Events plus per-client offset tables.
// The event log mutex guards the counter, the log, and the per-system index
// together; reads and writes are both serialized through it, matching the
// per-system ordering contract (insert order == fetch delivery order).
type Store struct {
	mu       sync.Mutex
	clock    clock.Clock
	nextSeq  uint64
	events   map[uint64]model.Event
	bySystem map[int64][]uint64
	offsets  map[string]map[int64]uint64
	maxPerSystem int
}

// New constructs an empty Store. maxPerSystem is a soft per-system cap that
// bounds growth even when no client has registered an offset: it is checked
// on every insert, and once a system's event count exceeds it, the oldest
// events are dropped regardless of client offsets. Zero or less disables it.
func New(c clock.Clock, maxPerSystem int) *Store {
	if c == nil {
		c = clock.System
	}
	return &Store{
		clock:        c,
		events:       make(map[uint64]model.Event),
		bySystem:     make(map[int64][]uint64),
		offsets:      make(map[string]map[int64]uint64),
		maxPerSystem: maxPerSystem,
	}
}

// Insert atomically assigns the next sequence number, stores the event, and
// returns its seq.
func (s *Store) Insert(systemID int64, km model.EnrichedKillmail) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	seq := s.nextSeq
	s.events[seq] = model.Event{
		Seq:        seq,
		SystemID:   systemID,
		Killmail:   km,
		InsertedAt: s.clock.Now(),
	}
	s.bySystem[systemID] = append(s.bySystem[systemID], seq)
	s.enforceSoftCapLocked(systemID)
	return seq
}

// enforceSoftCapLocked drops the oldest events for systemID once its count
// exceeds maxPerSystem, independent of client offsets. This only fires when
// maxPerSystem is positive and is a deliberate fallback, not the primary GC
// mechanism (see GC).
func (s *Store) enforceSoftCapLocked(systemID int64) {
	if s.maxPerSystem <= 0 {
		return
	}
	seqs := s.bySystem[systemID]
	if len(seqs) <= s.maxPerSystem {
		return
	}
	excess := len(seqs) - s.maxPerSystem
	for _, seq := range seqs[:excess] {
		delete(s.events, seq)
	}
	s.bySystem[systemID] = append([]uint64(nil), seqs[excess:]...)
}

// offsetLocked returns clientID's last-delivered seq for systemID, 0 if
// unset, registering the client/system pair as known in the process.
func (s *Store) offsetLocked(clientID string, systemID int64) uint64 {
	perSystem, ok := s.offsets[clientID]
	if !ok {
		perSystem = make(map[int64]uint64)
		s.offsets[clientID] = perSystem
	}
	seq, ok := perSystem[systemID]
	if !ok {
		perSystem[systemID] = 0
	}
	return seq
}

func (s *Store) setOffsetLocked(clientID string, systemID int64, seq uint64) {
	perSystem, ok := s.offsets[clientID]
	if !ok {
		perSystem = make(map[int64]uint64)
		s.offsets[clientID] = perSystem
	}
	if seq > perSystem[systemID] {
		perSystem[systemID] = seq
	}
}

// Fetch returns all events across systemIDs with seq greater than clientID's
// recorded offset for that system, sorted by seq ascending, and advances
// each touched system's offset to the maximum seq returned for it.
func (s *Store) Fetch(clientID string, systemIDs []int64) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []model.Event
	for _, systemID := range systemIDs {
		offset := s.offsetLocked(clientID, systemID)
		maxSeq := offset
		for _, seq := range s.bySystem[systemID] {
			if seq <= offset {
				continue
			}
			evt, ok := s.events[seq]
			if !ok {
				continue
			}
			results = append(results, evt)
			if seq > maxSeq {
				maxSeq = seq
			}
		}
		if maxSeq > offset {
			s.setOffsetLocked(clientID, systemID, maxSeq)
		} else {
			// Register the (client, system) pair even with nothing to
			// deliver, so GC's "no clients" guard sees it.
			s.setOffsetLocked(clientID, systemID, offset)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	return results
}

// FetchOne returns the single event with the smallest seq across systemIDs
// that is newer than clientID's offset for its system, advancing only that
// system's offset. Returns ok=false if nothing is available.
func (s *Store) FetchOne(clientID string, systemIDs []int64) (model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best   model.Event
		found  bool
	)
	for _, systemID := range systemIDs {
		offset := s.offsetLocked(clientID, systemID)
		for _, seq := range s.bySystem[systemID] {
			if seq <= offset {
				continue
			}
			evt, ok := s.events[seq]
			if !ok {
				continue
			}
			if !found || evt.Seq < best.Seq {
				best = evt
				found = true
			}
			break // bySystem is insertion-ordered; first hit is the smallest seq for this system.
		}
	}
	if !found {
		return model.Event{}, false
	}
	s.setOffsetLocked(clientID, best.SystemID, best.Seq)
	return best, true
}

// GC deletes events with seq <= the minimum offset across every known
// (client, system) pair. If no client has ever fetched, no deletion occurs,
// preventing data loss before any subscriber registers.
func (s *Store) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.offsets) == 0 {
		return 0
	}

	var minOffset uint64 = ^uint64(0)
	seen := false
	for _, perSystem := range s.offsets {
		for _, seq := range perSystem {
			if !seen || seq < minOffset {
				minOffset = seq
				seen = true
			}
		}
	}
	if !seen {
		return 0
	}

	removed := 0
	for systemID, seqs := range s.bySystem {
		idx := sort.Search(len(seqs), func(i int) bool { return seqs[i] > minOffset })
		for _, seq := range seqs[:idx] {
			if _, ok := s.events[seq]; ok {
				delete(s.events, seq)
				removed++
			}
		}
		s.bySystem[systemID] = append([]uint64(nil), seqs[idx:]...)
	}
	return removed
}

// Stats reports the current occupancy for the observability snapshot.
type Stats struct {
	Size          int
	MinSeq        uint64
	MaxSeq        uint64
	ActiveSystems int
}

// Stats summarizes the store's current size and sequence range.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Size: len(s.events), ActiveSystems: len(s.bySystem)}
	first := true
	for seq := range s.events {
		if first {
			stats.MinSeq, stats.MaxSeq = seq, seq
			first = false
			continue
		}
		if seq < stats.MinSeq {
			stats.MinSeq = seq
		}
		if seq > stats.MaxSeq {
			stats.MaxSeq = seq
		}
	}
	return stats
}

// CountForSystem returns the number of live events recorded for systemID,
// used by the kill_count HTTP endpoint.
func (s *Store) CountForSystem(systemID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bySystem[systemID])
}

// RecentForSystem returns up to limit of the most recently inserted live
// events for systemID, newest first. It does not consult or advance any
// client offset; it is a plain read used by the HTTP surface, independent
// of the channel fetch/offset protocol.
func (s *Store) RecentForSystem(systemID int64, limit int) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs := s.bySystem[systemID]
	if limit <= 0 || limit > len(seqs) {
		limit = len(seqs)
	}
	out := make([]model.Event, 0, limit)
	for i := len(seqs) - 1; i >= 0 && len(out) < limit; i-- {
		if evt, ok := s.events[seqs[i]]; ok {
			out = append(out, evt)
		}
	}
	return out
}

// FindByKillmailID scans the live log for the event carrying killmailID,
// used by the single-killmail HTTP lookup. O(n) in store size; acceptable
// given the soft per-system cap and periodic GC keep the log small.
func (s *Store) FindByKillmailID(killmailID int64) (model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range s.events {
		if evt.Killmail.KillmailID == killmailID {
			return evt, true
		}
	}
	return model.Event{}, false
}

// RunGC runs GC on a fixed interval until stop is closed. Intended to be
// launched as its own goroutine, matching this codebase's actor-per-component
// convention.
func (s *Store) RunGC(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.GC()
		case <-stop:
			return
		}
	}
}
