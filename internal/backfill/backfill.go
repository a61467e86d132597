// Package backfill implements the historical preload scheduler that fetches
// recent events per system for a newly-arrived subscription, admitted
// through a globally bounded, FIFO-ish concurrency gate.
package backfill

import (
	"context"
	"sync"
	"time"

	"killfeed/broker/internal/clock"
	"killfeed/broker/internal/logging"
	"killfeed/broker/internal/model"
	"killfeed/broker/internal/observability"
	"killfeed/broker/internal/ratelimit"
)

// Config normalizes the backfill tunables described in §4.L.
type Config struct {
	Enabled           bool
	LimitPerSystem    int
	SinceHours        int64
	DeliveryBatchSize int
	DeliveryInterval  time.Duration
	MaxConcurrent     int
	PageSize          int
}

func (c Config) normalize() Config {
	if c.LimitPerSystem <= 0 {
		c.LimitPerSystem = 100
	}
	if c.SinceHours <= 0 {
		c.SinceHours = 168
	}
	if c.DeliveryBatchSize <= 0 {
		c.DeliveryBatchSize = 10
	}
	if c.DeliveryInterval <= 0 {
		c.DeliveryInterval = time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.PageSize <= 0 || c.PageSize > 200 {
		c.PageSize = 200
	}
	return c
}

// Fetcher pages through a system's historical raw killmails, oldest-first
// delivery order not required — callers filter by time themselves.
type Fetcher interface {
	FetchPage(ctx context.Context, systemID int64, page, pageSize int) (kills []model.RawKillmail, hasMore bool, err error)
}

// Enricher resolves a raw killmail's entity references.
type Enricher interface {
	Enrich(ctx context.Context, raw model.RawKillmail) model.EnrichedKillmail
}

// Deliverer flushes a batch of enriched kills to a subscription and reports
// progress events over its channel.
type Deliverer interface {
	DeliverBatch(sub model.Subscription, kills []model.EnrichedKillmail)
	EmitProgress(sub model.Subscription, event string, detail map[string]any)
}

// Limiter is the subset of *ratelimit.Limiter the scheduler needs.
type Limiter interface {
	TryAcquire(service string) bool
}

// Scheduler admits at most Config.MaxConcurrent backfill tasks at a time;
// excess subscriptions queue FIFO on the admission semaphore.
type Scheduler struct {
	cfg       Config
	fetcher   Fetcher
	enricher  Enricher
	deliverer Deliverer
	limiter   Limiter
	clock     clock.Clock
	logger    *logging.Logger
	emitter   *observability.Emitter

	sem chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs a Scheduler.
func New(cfg Config, fetcher Fetcher, enricher Enricher, deliverer Deliverer, limiter Limiter, c clock.Clock, logger *logging.Logger, emitter *observability.Emitter) *Scheduler {
	cfg = cfg.normalize()
	if c == nil {
		c = clock.System
	}
	return &Scheduler{
		cfg:       cfg,
		fetcher:   fetcher,
		enricher:  enricher,
		deliverer: deliverer,
		limiter:   limiter,
		clock:     c,
		logger:    logger,
		emitter:   emitter,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Schedule queues a backfill task for sub, intended as the subscription
// registry's onNew callback. A no-op if backfill is disabled.
func (s *Scheduler) Schedule(sub model.Subscription) {
	if !s.cfg.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[sub.SubID] = cancel
	s.mu.Unlock()

	go func() {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.forget(sub.SubID)
			return
		}
		defer func() { <-s.sem }()
		s.run(ctx, sub)
		s.forget(sub.SubID)
	}()
}

// Cancel stops sub's in-flight backfill task, if any; the task exits within
// its current page.
func (s *Scheduler) Cancel(subID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[subID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scheduler) forget(subID string) {
	s.mu.Lock()
	delete(s.cancels, subID)
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, sub model.Subscription) {
	s.deliverer.EmitProgress(sub, "fetching", nil)
	since := s.clock.Now().Add(-time.Duration(s.cfg.SinceHours) * time.Hour)

	var buffer []model.EnrichedKillmail
	delivered := 0
	for _, systemID := range sub.SystemIDs {
		if ctx.Err() != nil {
			s.deliverer.EmitProgress(sub, "failed", map[string]any{"reason": "cancelled"})
			return
		}
		count, err := s.backfillSystem(ctx, sub, systemID, since, &buffer, &delivered)
		_ = count
		if err != nil {
			s.deliverer.EmitProgress(sub, "failed", map[string]any{"system_id": systemID, "error": err.Error()})
			return
		}
	}

	if ctx.Err() != nil {
		s.deliverer.EmitProgress(sub, "failed", map[string]any{"reason": "cancelled"})
		return
	}
	if len(buffer) > 0 {
		s.flush(ctx, sub, &buffer)
	}
	s.deliverer.EmitProgress(sub, "complete", map[string]any{"delivered": delivered})
}

func (s *Scheduler) backfillSystem(ctx context.Context, sub model.Subscription, systemID int64, since time.Time, buffer *[]model.EnrichedKillmail, delivered *int) (int, error) {
	count := 0
	page := 0
	for {
		if ctx.Err() != nil {
			return count, nil
		}
		if !s.limiter.TryAcquire(ratelimit.ServiceFeed) {
			select {
			case <-time.After(60 * time.Second):
			case <-ctx.Done():
				return count, nil
			}
			continue
		}

		kills, hasMore, err := s.fetcher.FetchPage(ctx, systemID, page, s.cfg.PageSize)
		if err != nil {
			return count, err
		}

		for _, raw := range kills {
			if raw.Time.Before(since) {
				continue
			}
			if count >= s.cfg.LimitPerSystem {
				break
			}
			enriched := s.enricher.Enrich(ctx, raw)
			*buffer = append(*buffer, enriched)
			count++
			*delivered++
			if len(*buffer) >= s.cfg.DeliveryBatchSize {
				s.flush(ctx, sub, buffer)
			}
		}

		page++
		if !hasMore || count >= s.cfg.LimitPerSystem {
			return count, nil
		}
	}
}

func (s *Scheduler) flush(ctx context.Context, sub model.Subscription, buffer *[]model.EnrichedKillmail) {
	batch := append([]model.EnrichedKillmail(nil), (*buffer)...)
	*buffer = (*buffer)[:0]
	s.deliverer.DeliverBatch(sub, batch)
	s.deliverer.EmitProgress(sub, "batch_delivered", map[string]any{"count": len(batch)})

	select {
	case <-time.After(s.cfg.DeliveryInterval):
	case <-ctx.Done():
	}
}
