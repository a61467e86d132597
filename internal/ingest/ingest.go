// Package ingest implements the long-polling worker that pulls killmails off
// the external feed, classifies and deduplicates them, and stages them into
// the enrichment, storage, and broadcast pipeline.
package ingest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"killfeed/broker/internal/clock"
	"killfeed/broker/internal/httpclient"
	"killfeed/broker/internal/logging"
	"killfeed/broker/internal/model"
	"killfeed/broker/internal/observability"
	"killfeed/broker/internal/ratelimit"
)

var (
	errUnexpectedFormat = errors.New("ingest: unexpected feed package format")
	errMalformed        = errors.New("ingest: killmail missing a parseable event time")
)

// Outcome classifies the result of a single poll, driving the backoff
// schedule and the telemetry emitted for it.
type Outcome string

const (
	OutcomeKillReceived Outcome = "kill_received"
	OutcomeNoKills      Outcome = "no_kills"
	OutcomeKillOlder    Outcome = "kill_older"
	OutcomeKillSkipped  Outcome = "kill_skipped"
	OutcomeError        Outcome = "error"
)

// Enricher resolves a raw killmail's entity references.
type Enricher interface {
	Enrich(ctx context.Context, raw model.RawKillmail) model.EnrichedKillmail
}

// Store inserts an enriched killmail into the event log.
type Store interface {
	Insert(systemID int64, km model.EnrichedKillmail) uint64
}

// Broadcaster fans an enriched killmail out to interested subscriptions.
type Broadcaster interface {
	Publish(systemID int64, km model.EnrichedKillmail)
}

// Config controls the polling cadence, backoff, and staleness cutoff.
type Config struct {
	FeedURL           string
	LegacyKillmailURL func(killID int64, hash string) string
	CutoffSeconds     int64
	FastInterval      time.Duration
	IdleInterval      time.Duration
	MaxBackoff        time.Duration
	BackoffFactor     float64
}

// Worker runs the long-poll loop described in §4.I: build a feed request,
// classify the response, merge zkb metadata, check staleness and dedup, then
// hand off to the enricher, event store, and broadcaster in turn.
type Worker struct {
	cfg         Config
	client      *httpclient.Client
	enricher    Enricher
	store       Store
	broadcaster Broadcaster
	clock       clock.Clock
	logger      *logging.Logger
	emitter     *observability.Emitter
	queueID     string

	received atomic.Int64
	skipped  atomic.Int64
	older    atomic.Int64
	errors   atomic.Int64

	mu   sync.Mutex
	seen map[int64]time.Time
}

// New constructs a Worker with a unique per-process queue id.
func New(cfg Config, client *httpclient.Client, enricher Enricher, store Store, broadcaster Broadcaster, c clock.Clock, logger *logging.Logger, emitter *observability.Emitter) *Worker {
	if c == nil {
		c = clock.System
	}
	return &Worker{
		cfg:         cfg,
		client:      client,
		enricher:    enricher,
		store:       store,
		broadcaster: broadcaster,
		clock:       c,
		logger:      logger,
		emitter:     emitter,
		queueID:     generateQueueID(),
		seen:        make(map[int64]time.Time),
	}
}

// Run polls until stop is closed or ctx is cancelled, sleeping between polls
// according to the backoff schedule in §4.I.
func (w *Worker) Run(ctx context.Context, stop <-chan struct{}) {
	delay := w.cfg.IdleInterval
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		outcome := w.pollOnce(ctx)
		delay = w.nextDelay(outcome, delay)
		w.emit(outcome)

		select {
		case <-time.After(delay):
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce performs a single feed request and classification pass.
func (w *Worker) pollOnce(ctx context.Context) Outcome {
	feedURL, err := w.buildFeedURL()
	if err != nil {
		w.logError("build feed url", err)
		return OutcomeError
	}

	var resp feedResponse
	if err := w.client.GetJSON(ctx, ratelimit.ServiceFeed, feedURL, nil, &resp); err != nil {
		w.logError("poll feed", err)
		return OutcomeError
	}
	if resp.Package == nil {
		return OutcomeNoKills
	}

	killmailMap, err := w.resolvePackage(ctx, resp.Package)
	if err != nil {
		w.logError("resolve package", err)
		return OutcomeError
	}
	killmailMap["zkb"] = resp.Package.ZKB

	raw, eventTime, ok := parseKillmail(killmailMap)
	if !ok {
		w.logError("parse killmail", errMalformed)
		return OutcomeError
	}

	cutoff := w.clock.Now().Add(-time.Duration(w.cfg.CutoffSeconds) * time.Second)
	if eventTime.Before(cutoff) {
		return OutcomeKillOlder
	}

	now := w.clock.Now()
	if w.isDuplicate(raw.KillmailID, now) {
		return OutcomeKillSkipped
	}

	enriched := w.enricher.Enrich(ctx, raw)
	w.store.Insert(raw.SolarSystemID, enriched)
	w.broadcaster.Publish(raw.SolarSystemID, enriched)
	w.markSeen(raw.KillmailID, now)
	return OutcomeKillReceived
}

// resolvePackage classifies pkg per §4.I step 3 and returns the killmail
// body map, fetching the full record for legacy-format packages.
func (w *Worker) resolvePackage(ctx context.Context, pkg *feedPackage) (map[string]any, error) {
	switch {
	case pkg.Killmail != nil && pkg.ZKB != nil:
		return pkg.Killmail, nil
	case pkg.KillID != nil && pkg.ZKB != nil:
		hash, _ := pkg.ZKB["hash"].(string)
		legacyURL := w.cfg.LegacyKillmailURL(*pkg.KillID, hash)
		var km map[string]any
		if err := w.client.GetJSON(ctx, ratelimit.ServiceFeed, legacyURL, nil, &km); err != nil {
			return nil, err
		}
		return km, nil
	default:
		return nil, errUnexpectedFormat
	}
}

func (w *Worker) buildFeedURL() (string, error) {
	u, err := url.Parse(w.cfg.FeedURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("queueID", w.queueID)
	q.Set("ttw", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// isDuplicate reports whether id was already processed within the rolling
// CUTOFF_SECONDS window, pruning expired entries as it goes.
func (w *Worker) isDuplicate(id int64, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneSeenLocked(now)
	_, ok := w.seen[id]
	return ok
}

func (w *Worker) markSeen(id int64, now time.Time) {
	w.mu.Lock()
	w.seen[id] = now
	w.mu.Unlock()
}

func (w *Worker) pruneSeenLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(w.cfg.CutoffSeconds) * time.Second)
	for id, seenAt := range w.seen {
		if seenAt.Before(cutoff) {
			delete(w.seen, id)
		}
	}
}

// nextDelay applies the backoff table in §4.I.
func (w *Worker) nextDelay(outcome Outcome, current time.Duration) time.Duration {
	switch outcome {
	case OutcomeKillReceived:
		return w.cfg.FastInterval
	case OutcomeError:
		next := time.Duration(float64(current) * w.cfg.BackoffFactor)
		if next <= 0 {
			next = w.cfg.IdleInterval
		}
		if next > w.cfg.MaxBackoff {
			next = w.cfg.MaxBackoff
		}
		return next
	default:
		return w.cfg.IdleInterval
	}
}

func (w *Worker) emit(outcome Outcome) {
	switch outcome {
	case OutcomeKillReceived:
		w.received.Add(1)
	case OutcomeKillSkipped:
		w.skipped.Add(1)
	case OutcomeKillOlder:
		w.older.Add(1)
	case OutcomeError:
		w.errors.Add(1)
	}

	if w.emitter == nil {
		return
	}
	w.emitter.Emit("ingest.poll", nil, map[string]any{"outcome": string(outcome)})
}

// Counters reports cumulative poll outcomes for the status snapshot's feed
// counters (received/skipped/older/errors).
func (w *Worker) Counters() observability.FeedCounters {
	return observability.FeedCounters{
		Received: w.received.Load(),
		Skipped:  w.skipped.Load(),
		Older:    w.older.Load(),
		Errors:   w.errors.Load(),
	}
}

func (w *Worker) logError(msg string, err error) {
	if w.logger == nil {
		return
	}
	w.logger.Error(msg, logging.Error(err))
}

func generateQueueID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "kf-fallback"
	}
	return "kf-" + hex.EncodeToString(buf)
}

// feedResponse is the top-level long-poll payload. A nil Package means no
// kill was waiting.
type feedResponse struct {
	Package *feedPackage `json:"package"`
}

// feedPackage covers both the new killmail+zkb format and the legacy
// killID+zkb format described in §4.I step 3.
type feedPackage struct {
	Killmail map[string]any `json:"killmail,omitempty"`
	ZKB      map[string]any `json:"zkb,omitempty"`
	KillID   *int64         `json:"killID,omitempty"`
}

// parseKillmail extracts the event time per the killmail_time / kill_time /
// zkb.killmail_time fallback order, then decodes m into a RawKillmail via a
// JSON round trip. Returns ok=false if no event time could be parsed.
func parseKillmail(m map[string]any) (model.RawKillmail, time.Time, bool) {
	eventTime, ok := extractEventTime(m)
	if !ok {
		return model.RawKillmail{}, time.Time{}, false
	}

	buf, err := json.Marshal(m)
	if err != nil {
		return model.RawKillmail{}, time.Time{}, false
	}
	var raw model.RawKillmail
	if err := json.Unmarshal(buf, &raw); err != nil {
		return model.RawKillmail{}, time.Time{}, false
	}
	raw.Time = eventTime
	return raw, eventTime, true
}

func extractEventTime(m map[string]any) (time.Time, bool) {
	for _, key := range []string{"killmail_time", "kill_time"} {
		if t, ok := parseTimeField(m[key]); ok {
			return t, true
		}
	}
	if zkb, ok := m["zkb"].(map[string]any); ok {
		if t, ok := parseTimeField(zkb["killmail_time"]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTimeField(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
