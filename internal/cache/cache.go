// Package cache implements the namespaced TTL enrichment cache with
// single-flight fetch coalescing, guarding the entity-metadata API from
// duplicate concurrent lookups.
package cache

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"killfeed/broker/internal/apperr"
	"killfeed/broker/internal/clock"
)

// Default per-namespace TTLs.
var DefaultTTLs = map[string]time.Duration{
	"killmails":     5 * time.Minute,
	"systems":       time.Hour,
	"characters":    24 * time.Hour,
	"corporations":  24 * time.Hour,
	"alliances":     24 * time.Hour,
	"ship_types":    24 * time.Hour,
	"groups":        24 * time.Hour,
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a namespaced key-value store with per-namespace TTL and
// single-flight fetch coalescing. A namespace's flight group is independent
// of the others so unrelated lookups never block each other.
type Cache struct {
	mu      sync.RWMutex
	clock   clock.Clock
	ttls    map[string]time.Duration
	entries map[string]entry
	flights map[string]*singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// New constructs a Cache. ttls overrides DefaultTTLs for any namespace key
// present; namespaces absent from both fall back to a 5 minute TTL.
func New(c clock.Clock, ttls map[string]time.Duration) *Cache {
	if c == nil {
		c = clock.System
	}
	merged := make(map[string]time.Duration, len(DefaultTTLs))
	for k, v := range DefaultTTLs {
		merged[k] = v
	}
	for k, v := range ttls {
		merged[k] = v
	}
	return &Cache{
		clock:   c,
		ttls:    merged,
		entries: make(map[string]entry),
		flights: make(map[string]*singleflight.Group),
	}
}

func compositeKey(ns string, id string) string { return ns + "\x00" + id }

func (c *Cache) ttlFor(ns string) time.Duration {
	if ttl, ok := c.ttls[ns]; ok {
		return ttl
	}
	return 5 * time.Minute
}

// Get returns the cached value for (ns, id), or apperr.KindNotFound if
// absent or expired. Expired entries are not evicted by Get; the periodic
// Sweep handles eviction.
func (c *Cache) Get(ns, id string) (any, error) {
	key := compositeKey(ns, id)
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.clock.Now().After(e.expiresAt) {
		c.misses.Add(1)
		return nil, apperr.New(apperr.KindNotFound, "cache miss for "+key)
	}
	c.hits.Add(1)
	return e.value, nil
}

// Put stores value under (ns, id) with the namespace's configured TTL.
func (c *Cache) Put(ns, id string, value any) {
	key := compositeKey(ns, id)
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.clock.Now().Add(c.ttlFor(ns))}
	c.mu.Unlock()
}

// Delete removes (ns, id) from the cache.
func (c *Cache) Delete(ns, id string) {
	key := compositeKey(ns, id)
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Exists reports whether (ns, id) has a live, unexpired entry.
func (c *Cache) Exists(ns, id string) bool {
	_, err := c.Get(ns, id)
	return err == nil
}

// GetOrFetch returns the cached value for (ns, id) if live, otherwise calls
// fetch exactly once across any set of concurrent callers for the same key
// and caches its result. A fetch error is returned to every waiter but is
// never cached, so the next call retries the fetch.
func (c *Cache) GetOrFetch(ns, id string, fetch func() (any, error)) (any, error) {
	if value, err := c.Get(ns, id); err == nil {
		return value, nil
	}

	key := compositeKey(ns, id)
	c.mu.Lock()
	group, ok := c.flights[ns]
	if !ok {
		group = &singleflight.Group{}
		c.flights[ns] = group
	}
	c.mu.Unlock()

	value, err, _ := group.Do(key, func() (any, error) {
		// Re-check under the flight lock in case a concurrent winner already
		// populated the entry while this call waited to join the group.
		if v, err := c.Get(ns, id); err == nil {
			return v, nil
		}
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		c.Put(ns, id, v)
		return v, nil
	})
	return value, err
}

// Sweep removes every expired entry. Intended to run on a periodic timer
// (default every 60s) rather than a background goroutine owned by the cache
// itself, matching the event store's externally-driven GC.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	c.mu.Lock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

// Size returns the number of entries currently stored, including entries
// that have expired but not yet been swept.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats reports current occupancy and lookup hit/miss totals for the
// observability snapshot.
type Stats struct {
	Size   int
	Hits   int64
	Misses int64
}

// Stats summarizes the cache's current size and cumulative hit/miss counts.
func (c *Cache) Stats() Stats {
	return Stats{Size: c.Size(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// RunSweep runs Sweep on a fixed interval until stop is closed, matching the
// event store's externally-driven GC actor convention.
func (c *Cache) RunSweep(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-stop:
			return
		}
	}
}

// activeListID and recentKillmailsID name the two list-shaped cache
// entries kept under the "systems" namespace: the set of known system ids,
// and each system's recently-seen killmail ids.
const activeListID = "active_list"

func recentKillmailsID(systemID int64) string {
	return "killmails:" + strconv.FormatInt(systemID, 10)
}

// MarkSystemActive records systemID in the cache's active-systems list.
func (c *Cache) MarkSystemActive(systemID int64) {
	raw, err := c.Get("systems", activeListID)
	var ids []int64
	if err == nil {
		ids, _ = raw.([]int64)
	}
	for _, id := range ids {
		if id == systemID {
			c.Put("systems", activeListID, ids)
			return
		}
	}
	ids = append(ids, systemID)
	c.Put("systems", activeListID, ids)
}

// ActiveSystems returns the set of system ids observed so far.
func (c *Cache) ActiveSystems() []int64 {
	raw, err := c.Get("systems", activeListID)
	if err != nil {
		return nil
	}
	ids, _ := raw.([]int64)
	return ids
}

// RecordRecentKillmail appends killmailID to systemID's recent-kills list,
// capped to the most recent maxLen entries.
func (c *Cache) RecordRecentKillmail(systemID, killmailID int64, maxLen int) {
	key := recentKillmailsID(systemID)
	raw, err := c.Get("systems", key)
	var ids []int64
	if err == nil {
		ids, _ = raw.([]int64)
	}
	ids = append(ids, killmailID)
	if len(ids) > maxLen {
		ids = ids[len(ids)-maxLen:]
	}
	c.Put("systems", key, ids)
}

// RecentKillmails returns systemID's recent-kills list.
func (c *Cache) RecentKillmails(systemID int64) []int64 {
	raw, err := c.Get("systems", recentKillmailsID(systemID))
	if err != nil {
		return nil
	}
	ids, _ := raw.([]int64)
	return ids
}

