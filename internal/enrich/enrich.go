// Package enrich transforms a raw killmail into an enriched one by
// resolving its entity references through the enrichment cache, fanning
// fetches out across a bounded worker pool when an event has enough
// attackers to make parallelism worthwhile.
package enrich

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"killfeed/broker/internal/cache"
	"killfeed/broker/internal/httpclient"
	"killfeed/broker/internal/model"
	"killfeed/broker/internal/ratelimit"
)

// Config controls enrichment fan-out behavior.
type Config struct {
	MaxConcurrency         int
	TaskTimeout            time.Duration
	MinAttackersForParallel int
	EntityAPIURL           func(kind model.EntityKind, id int64) string
}

// Enricher resolves entity references on raw killmails via the cache and
// HTTP client, never failing the killmail itself on a per-entity error.
type Enricher struct {
	cache  *cache.Cache
	client *httpclient.Client
	cfg    Config
}

// New constructs an Enricher.
func New(c *cache.Cache, client *httpclient.Client, cfg Config) *Enricher {
	if cfg.MinAttackersForParallel <= 0 {
		cfg.MinAttackersForParallel = 3
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	return &Enricher{cache: c, client: client, cfg: cfg}
}

// entityJob is one (kind, id) lookup to resolve; it also keys the map of
// resolved names.
type entityJob struct {
	kind EntityKind
	id   int64
}

// EntityKind re-exports model.EntityKind locally for readability at call
// sites within this package.
type EntityKind = model.EntityKind

// Enrich resolves every entity reference on raw and returns the enriched
// killmail. It never returns an error: per-entity failures degrade that
// field to an empty name, and the raw zkb metadata is carried through
// verbatim. Enrich is idempotent — enriching an already-enriched killmail's
// underlying raw record a second time yields the same result.
func (e *Enricher) Enrich(ctx context.Context, raw model.RawKillmail) model.EnrichedKillmail {
	names := e.resolveAll(ctx, raw)

	victim := model.ResolvedVictim{
		Victim:          raw.Victim,
		CharacterName:   names[entityJob{model.EntityCharacter, raw.Victim.CharacterID}],
		CorporationName: names[entityJob{model.EntityCorporation, raw.Victim.CorporationID}],
		AllianceName:    names[entityJob{model.EntityAlliance, raw.Victim.AllianceID}],
		ShipTypeName:    names[entityJob{model.EntityShipType, raw.Victim.ShipTypeID}],
	}

	attackers := make([]model.ResolvedAttacker, len(raw.Attackers))
	for i, a := range raw.Attackers {
		attackers[i] = model.ResolvedAttacker{
			Attacker:        a,
			CharacterName:   names[entityJob{model.EntityCharacter, a.CharacterID}],
			CorporationName: names[entityJob{model.EntityCorporation, a.CorporationID}],
			AllianceName:    names[entityJob{model.EntityAlliance, a.AllianceID}],
			ShipTypeName:    names[entityJob{model.EntityShipType, a.ShipTypeID}],
			WeaponTypeName:  names[entityJob{model.EntityShipType, a.WeaponTypeID}],
		}
	}

	return model.EnrichedKillmail{
		KillmailID:      raw.KillmailID,
		Time:            raw.Time,
		SolarSystemID:   raw.SolarSystemID,
		SolarSystemName: names[entityJob{model.EntitySolarSystem, raw.SolarSystemID}],
		Victim:          victim,
		Attackers:       attackers,
		TotalValue:      zkbTotalValue(raw.ZKB),
		ZKB:             raw.ZKB,
	}
}

// zkbTotalValue reads zKillboard's totalValue estimate out of the carried
// zkb metadata map. Absent or non-numeric values yield 0.
func zkbTotalValue(zkb map[string]any) float64 {
	v, ok := zkb["totalValue"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

// resolveAll builds the full set of entity references on raw, skipping zero
// ids, and resolves them either sequentially or in a bounded worker pool
// depending on attacker count.
func (e *Enricher) resolveAll(ctx context.Context, raw model.RawKillmail) map[entityJob]string {
	jobs := e.collectJobs(raw)
	results := make(map[entityJob]string, len(jobs))

	if len(raw.Attackers) <= e.cfg.MinAttackersForParallel {
		for _, job := range jobs {
			results[job] = e.resolveOne(ctx, job)
		}
		return results
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.cfg.MaxConcurrency)
	)
	for _, job := range jobs {
		job := job
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			name := e.resolveOne(ctx, job)
			mu.Lock()
			results[job] = name
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (e *Enricher) collectJobs(raw model.RawKillmail) []entityJob {
	seen := make(map[entityJob]struct{})
	var jobs []entityJob
	add := func(kind model.EntityKind, id int64) {
		if id == 0 {
			return
		}
		job := entityJob{kind, id}
		if _, ok := seen[job]; ok {
			return
		}
		seen[job] = struct{}{}
		jobs = append(jobs, job)
	}

	add(model.EntityCharacter, raw.Victim.CharacterID)
	add(model.EntityCorporation, raw.Victim.CorporationID)
	add(model.EntityAlliance, raw.Victim.AllianceID)
	add(model.EntityShipType, raw.Victim.ShipTypeID)
	add(model.EntitySolarSystem, raw.SolarSystemID)
	for _, a := range raw.Attackers {
		add(model.EntityCharacter, a.CharacterID)
		add(model.EntityCorporation, a.CorporationID)
		add(model.EntityAlliance, a.AllianceID)
		add(model.EntityShipType, a.ShipTypeID)
		add(model.EntityShipType, a.WeaponTypeID)
	}
	return jobs
}

// resolveOne resolves a single entity reference via the cache's single
// flight fetch, degrading to an empty name on any failure rather than
// failing the enclosing killmail.
func (e *Enricher) resolveOne(ctx context.Context, job entityJob) string {
	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	key := idKey(job.id)
	value, err := e.cache.GetOrFetch(string(job.kind), key, func() (any, error) {
		var entity model.Entity
		url := e.cfg.EntityAPIURL(job.kind, job.id)
		if err := e.client.GetJSON(taskCtx, ratelimit.ServiceEnrich, url, nil, &entity); err != nil {
			return nil, err
		}
		return entity.Name, nil
	})
	if err != nil {
		return ""
	}
	name, _ := value.(string)
	return name
}

func idKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
