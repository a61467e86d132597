// Command broker runs the killmail ingestion, enrichment, storage, and
// broadcast service: it wires every internal component together, starts
// their background actors, serves the HTTP surface, and shuts down in
// dependency order on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"killfeed/broker/internal/backfill"
	"killfeed/broker/internal/breaker"
	"killfeed/broker/internal/broadcast"
	"killfeed/broker/internal/cache"
	"killfeed/broker/internal/clock"
	"killfeed/broker/internal/config"
	"killfeed/broker/internal/enrich"
	"killfeed/broker/internal/eventstore"
	"killfeed/broker/internal/historical"
	"killfeed/broker/internal/httpapi"
	"killfeed/broker/internal/httpclient"
	"killfeed/broker/internal/ingest"
	"killfeed/broker/internal/logging"
	"killfeed/broker/internal/model"
	"killfeed/broker/internal/observability"
	"killfeed/broker/internal/ratelimit"
	"killfeed/broker/internal/retry"
	"killfeed/broker/internal/subscription"
)

// shutdownFlushDeadline bounds how long pending broadcasts are given to
// drain once shutdown begins, per the concurrency model's "5 s deadline".
const shutdownFlushDeadline = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logging.ReplaceGlobals(logger)

	c := clock.System

	limiter := ratelimit.New(c)
	limiter.Register(ratelimit.ServiceFeed, cfg.FeedRLCapacity, cfg.FeedRLRefillPerMin)
	limiter.Register(ratelimit.ServiceEnrich, cfg.EnrichRLCapacity, cfg.EnrichRLRefillPerMin)

	br := breaker.New(c, cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.BreakerHalfOpenTimeout)
	retryOpts := retry.Options{
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Factor:     cfg.BackoffFactor,
		MaxRetries: cfg.RetryMaxRetries,
	}

	sink := observability.Sink(nil)
	emitter := observability.NewEmitter(c, logger, sink)

	client := httpclient.New(limiter, br, retryOpts, cfg.UserAgent, emitter, logger)

	entityCache := cache.New(c, nil)
	store := eventstore.New(c, cfg.MaxEventsPerSystem)

	enricher := enrich.New(entityCache, client, enrich.Config{
		MaxConcurrency: cfg.EnricherMaxConcurrency,
		TaskTimeout:    cfg.EnricherTaskTimeout,
		EntityAPIURL:   buildEntityAPIURL(cfg.EntityAPIURL),
	})

	legacyKillmailURL := buildLegacyKillmailURL(cfg.FeedURL)

	// backfillAdapter breaks the wiring cycle between the subscription
	// registry / WebSocket hub (which need to call into the backfill
	// scheduler) and the scheduler itself (which needs the hub's preload
	// deliverer): the adapter is handed out to both before the scheduler
	// exists, then pointed at it once constructed.
	backfillAdapter := &backfillSchedulerAdapter{}

	registry := subscription.New(c, cfg.MaxSubscribedSystems, func(sub model.Subscription) {
		backfillAdapter.Schedule(sub)
	})

	// ingestCounters breaks the same kind of construction cycle as
	// backfillAdapter above: statusSource needs the ingest worker's poll
	// counters, but the worker itself needs the broadcaster, which needs
	// the HTTP hub, which needs the aggregator. The adapter is handed to
	// statusSource now and pointed at the real worker once built.
	ingestCounters := &ingestCountersAdapter{}

	aggregator := observability.NewAggregator(c, cfg.StatusSnapshotInterval, statusSource(store, entityCache, registry, limiter, br, ingestCounters))

	httpSrv := httpapi.NewServer(httpapi.Options{
		Logger:               logger,
		EventStore:           store,
		Status:               aggregator,
		Registry:             registry,
		Backfill:             backfillAdapter,
		MaxSubscribedSystems: cfg.MaxSubscribedSystems,
	})

	broadcaster := broadcast.New(broadcast.Config{
		QueueSize:      64,
		WebhookTimeout: cfg.WebhookTimeout,
	}, registry, httpSrv.Hub(), c, logger, emitter)

	historicalFetcher := historical.New(client, cfg.HistoricalURL, legacyKillmailURL)
	backfillScheduler := backfill.New(backfill.Config{
		Enabled:           cfg.BackfillEnabled,
		LimitPerSystem:    cfg.BackfillLimitPerSystem,
		SinceHours:        cfg.BackfillSinceHours,
		DeliveryBatchSize: cfg.BackfillBatchSize,
		DeliveryInterval:  cfg.BackfillInterval,
		MaxConcurrent:     cfg.BackfillMaxConcurrent,
		PageSize:          cfg.BackfillPageSize,
	}, historicalFetcher, enricher, httpSrv.Hub().Preload(), limiter, c, logger, emitter)
	backfillAdapter.scheduler = backfillScheduler

	ingestWorker := ingest.New(ingest.Config{
		FeedURL:           cfg.FeedURL,
		LegacyKillmailURL: legacyKillmailURL,
		CutoffSeconds:     cfg.CutoffSeconds,
		FastInterval:      cfg.FastInterval,
		IdleInterval:      cfg.IdleInterval,
		MaxBackoff:        cfg.MaxBackoff,
		BackoffFactor:     cfg.BackoffFactor,
	}, client, enricher, store, broadcaster, c, logger, emitter)
	ingestCounters.worker = ingestWorker

	mux := http.NewServeMux()
	httpSrv.Register(mux)
	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	stopGC := make(chan struct{})
	stopSweep := make(chan struct{})
	stopAggregator := make(chan struct{})
	ingestStop := make(chan struct{})

	go store.RunGC(cfg.GCInterval, stopGC)
	go entityCache.RunSweep(cfg.GCInterval, stopSweep)
	go aggregator.Run(stopAggregator)
	go ingestWorker.Run(context.Background(), ingestStop)

	go func() {
		logger.Info("broker listening", logging.String("address", cfg.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server terminated", logging.Error(err))
		}
	}()

	_ = aggregator.Refresh() // prime the first snapshot before /status is hit

	waitForShutdownSignal()
	logger.Info("shutdown signal received, draining")

	close(ingestStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushDeadline)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", logging.Error(err))
	}

	drainBroadcaster(broadcaster, registry, shutdownFlushDeadline, logger)

	close(stopGC)
	close(stopSweep)
	close(stopAggregator)
	logger.Info("shutdown complete")
}

// backfillSchedulerAdapter implements httpapi.BackfillScheduler, forwarding
// to scheduler once it has been assigned. See main's wiring comment.
type backfillSchedulerAdapter struct {
	scheduler *backfill.Scheduler
}

func (a *backfillSchedulerAdapter) Schedule(sub model.Subscription) {
	if a.scheduler != nil {
		a.scheduler.Schedule(sub)
	}
}

func (a *backfillSchedulerAdapter) Cancel(subID string) {
	if a.scheduler != nil {
		a.scheduler.Cancel(subID)
	}
}

// ingestCountersAdapter forwards to worker once it has been assigned. See
// main's wiring comment.
type ingestCountersAdapter struct {
	worker *ingest.Worker
}

func (a *ingestCountersAdapter) Counters() observability.FeedCounters {
	if a.worker == nil {
		return observability.FeedCounters{}
	}
	return a.worker.Counters()
}

// waitForShutdownSignal blocks until SIGINT or SIGTERM arrives.
func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

// drainBroadcaster forgets every live subscription's outbound queue, which
// lets each dispatch goroutine finish its current delivery and exit, then
// waits up to deadline for all of them to do so.
func drainBroadcaster(b *broadcast.Broadcaster, registry *subscription.Registry, deadline time.Duration, logger *logging.Logger) {
	for _, sub := range registry.List() {
		b.Forget(sub.SubID)
	}

	done := make(chan struct{})
	go func() {
		b.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		logger.Warn("broadcast queues did not drain before the shutdown deadline")
	}
}

// buildEntityAPIURL returns an EntityAPIURL function addressing base's
// kind-namespaced REST resources, e.g. {base}/characters/{id}/.
func buildEntityAPIURL(base string) func(kind model.EntityKind, id int64) string {
	return func(kind model.EntityKind, id int64) string {
		return fmt.Sprintf("%s/%s/%d/", base, kind, id)
	}
}

// buildLegacyKillmailURL returns a LegacyKillmailURL function addressing the
// feed source's per-killmail detail resource by id and zkb hash, reusing
// feedURL's scheme and host.
func buildLegacyKillmailURL(feedURL string) func(killID int64, hash string) string {
	scheme, host := "https", "feed.example"
	if u, err := url.Parse(feedURL); err == nil && u.Host != "" {
		scheme, host = u.Scheme, u.Host
	}
	base := fmt.Sprintf("%s://%s", scheme, host)
	return func(killID int64, hash string) string {
		return fmt.Sprintf("%s/killmails/%d/%s/", base, killID, hash)
	}
}

// statusSource assembles one observability.Snapshot by reading every
// component's current stats, matching §4.M's snapshot shape.
func statusSource(store *eventstore.Store, entityCache *cache.Cache, registry *subscription.Registry, limiter *ratelimit.Limiter, br *breaker.Breaker, ingestCounters *ingestCountersAdapter) observability.SourceFunc {
	return func() observability.Snapshot {
		storeStats := store.Stats()
		cacheStats := entityCache.Stats()
		subs := registry.List()

		subStats := observability.SubscriptionStats{Total: len(subs)}
		for _, sub := range subs {
			if sub.CallbackURL != "" {
				subStats.Webhook++
			} else {
				subStats.Channel++
			}
		}

		rateLimits := map[string]float64{
			ratelimit.ServiceFeed:   limiter.State(ratelimit.ServiceFeed).Tokens,
			ratelimit.ServiceEnrich: limiter.State(ratelimit.ServiceEnrich).Tokens,
		}
		breakerStates := map[string]string{
			ratelimit.ServiceFeed:   br.State(ratelimit.ServiceFeed).String(),
			ratelimit.ServiceEnrich: br.State(ratelimit.ServiceEnrich).String(),
		}

		return observability.Snapshot{
			Feed: ingestCounters.Counters(),
			Cache: observability.CacheStats{
				Size:   cacheStats.Size,
				Hits:   cacheStats.Hits,
				Misses: cacheStats.Misses,
			},
			EventStore: observability.EventStoreStats{
				Size:          storeStats.Size,
				MinSeq:        storeStats.MinSeq,
				MaxSeq:        storeStats.MaxSeq,
				ActiveSystems: storeStats.ActiveSystems,
			},
			Subscriptions: subStats,
			BreakerStates: breakerStates,
			RateLimits:    rateLimits,
			GeneratedAt:   clock.System.Now(),
		}
	}
}
