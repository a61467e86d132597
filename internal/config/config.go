// Package config loads the broker's runtime tunables from environment
// variables, applying the defaults enumerated in the configuration surface
// table and surfacing descriptive validation errors, in the style of this
// repository's reference configuration loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults mirror the configuration surface table.
const (
	DefaultCutoffSeconds          = 3600
	DefaultFastIntervalMs         = 1000
	DefaultIdleIntervalMs         = 5000
	DefaultMaxBackoffMs           = 30000
	DefaultBackoffFactor          = 2.0
	DefaultEnricherMaxConcurrency = 10
	DefaultEnricherTaskTimeout    = 30 * time.Second
	DefaultGCIntervalMs           = 60000
	DefaultMaxEventsPerSystem     = 10000
	DefaultFeedRLCapacity         = 10
	DefaultFeedRLRefillPerMin     = 10
	DefaultEnrichRLCapacity       = 100
	DefaultEnrichRLRefillPerMin   = 100
	DefaultBreakerThreshold       = 5
	DefaultBreakerCooldownMs      = 30000
	DefaultBreakerHalfOpenTimeout = 5 * time.Second
	DefaultMaxSubscribedSystems   = 100
	DefaultRetryBaseDelayMs       = 1000
	DefaultRetryMaxDelayMs        = 30000
	DefaultRetryMaxAttempts       = 3
	DefaultBackfillMaxConcurrent  = 3
	DefaultBackfillPageSize       = 200
	DefaultBackfillLimitPerSystem = 100
	DefaultBackfillSinceHours     = 168
	DefaultBackfillBatchSize      = 10
	DefaultBackfillIntervalMs     = 1000
	DefaultStatusSnapshotInterval = 5 * time.Minute
	DefaultHeartbeatInterval      = 45 * time.Second
	DefaultWebhookTimeout         = 10 * time.Second
	DefaultUserAgent              = "killfeed-broker/1.0"

	// EnvPrefix namespaces every tunable this process reads from the
	// environment, avoiding collisions with unrelated process config.
	EnvPrefix = "KILLFEED_"
)

// Config captures every runtime tunable the core consumes. It is loaded once
// at startup via Load and passed by value to the components that need it.
type Config struct {
	Address       string
	FeedURL       string
	EntityAPIURL  string
	HistoricalURL string
	AdminToken    string
	UserAgent     string

	CutoffSeconds          int64
	FastInterval           time.Duration
	IdleInterval           time.Duration
	MaxBackoff             time.Duration
	BackoffFactor          float64
	EnricherMaxConcurrency int
	EnricherTaskTimeout    time.Duration

	GCInterval         time.Duration
	MaxEventsPerSystem int

	FeedRLCapacity       int
	FeedRLRefillPerMin   int
	EnrichRLCapacity     int
	EnrichRLRefillPerMin int

	BreakerThreshold       int
	BreakerCooldown        time.Duration
	BreakerHalfOpenTimeout time.Duration

	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMaxRetries int

	MaxSubscribedSystems int

	BackfillEnabled       bool
	BackfillMaxConcurrent int
	BackfillPageSize      int
	BackfillLimitPerSystem int
	BackfillSinceHours    int64
	BackfillBatchSize     int
	BackfillInterval      time.Duration

	StatusSnapshotInterval time.Duration
	HeartbeatInterval      time.Duration
	WebhookTimeout         time.Duration

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level string
	Path  string
}

// loader accumulates validation problems the way the teacher's config loader
// does, so every invalid override is reported in a single error instead of
// failing on the first one encountered.
type loader struct {
	problems []string
}

// Load reads the broker configuration from environment variables, applying
// defaults and returning a descriptive error listing every invalid override.
func Load() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Address:       getString("ADDR", ":8080"),
		FeedURL:       getString("FEED_URL", "https://feed.example/listener.php"),
		EntityAPIURL:  getString("ENTITY_API_URL", "https://entities.example"),
		HistoricalURL: getString("HISTORICAL_URL", "https://feed.example/api/kills"),
		AdminToken:    strings.TrimSpace(os.Getenv(EnvPrefix + "ADMIN_TOKEN")),
		UserAgent:     getString("USER_AGENT", DefaultUserAgent),

		CutoffSeconds:          l.int64("CUTOFF_SECONDS", DefaultCutoffSeconds),
		FastInterval:           l.millis("FAST_INTERVAL_MS", DefaultFastIntervalMs),
		IdleInterval:           l.millis("IDLE_INTERVAL_MS", DefaultIdleIntervalMs),
		MaxBackoff:             l.millis("MAX_BACKOFF_MS", DefaultMaxBackoffMs),
		BackoffFactor:          l.float("BACKOFF_FACTOR", DefaultBackoffFactor),
		EnricherMaxConcurrency: l.int("ENRICHER_MAX_CONCURRENCY", DefaultEnricherMaxConcurrency),
		EnricherTaskTimeout:    DefaultEnricherTaskTimeout,

		GCInterval:         l.millis("GC_INTERVAL_MS", DefaultGCIntervalMs),
		MaxEventsPerSystem: l.int("MAX_EVENTS_PER_SYSTEM", DefaultMaxEventsPerSystem),

		FeedRLCapacity:       l.int("FEED_RL_CAPACITY", DefaultFeedRLCapacity),
		FeedRLRefillPerMin:   l.int("FEED_RL_REFILL_PER_MIN", DefaultFeedRLRefillPerMin),
		EnrichRLCapacity:     l.int("ENRICH_RL_CAPACITY", DefaultEnrichRLCapacity),
		EnrichRLRefillPerMin: l.int("ENRICH_RL_REFILL_PER_MIN", DefaultEnrichRLRefillPerMin),

		BreakerThreshold:       l.int("BREAKER_THRESHOLD", DefaultBreakerThreshold),
		BreakerCooldown:        l.millis("BREAKER_COOLDOWN_MS", DefaultBreakerCooldownMs),
		BreakerHalfOpenTimeout: DefaultBreakerHalfOpenTimeout,

		RetryBaseDelay:  l.millis("RETRY_BASE_DELAY_MS", DefaultRetryBaseDelayMs),
		RetryMaxDelay:   l.millis("RETRY_MAX_DELAY_MS", DefaultRetryMaxDelayMs),
		RetryMaxRetries: l.int("RETRY_MAX_ATTEMPTS", DefaultRetryMaxAttempts),

		MaxSubscribedSystems: l.int("MAX_SUBSCRIBED_SYSTEMS", DefaultMaxSubscribedSystems),

		BackfillEnabled:        getBool("BACKFILL_ENABLED", true),
		BackfillMaxConcurrent:  l.int("BACKFILL_MAX_CONCURRENT", DefaultBackfillMaxConcurrent),
		BackfillPageSize:       l.int("BACKFILL_PAGE_SIZE", DefaultBackfillPageSize),
		BackfillLimitPerSystem: l.int("BACKFILL_LIMIT_PER_SYSTEM", DefaultBackfillLimitPerSystem),
		BackfillSinceHours:     l.int64("BACKFILL_SINCE_HOURS", DefaultBackfillSinceHours),
		BackfillBatchSize:      l.int("BACKFILL_BATCH_SIZE", DefaultBackfillBatchSize),
		BackfillInterval:       l.millis("BACKFILL_INTERVAL_MS", DefaultBackfillIntervalMs),

		StatusSnapshotInterval: DefaultStatusSnapshotInterval,
		HeartbeatInterval:      DefaultHeartbeatInterval,
		WebhookTimeout:         DefaultWebhookTimeout,

		Logging: LoggingConfig{
			Level: getString("LOG_LEVEL", "info"),
			Path:  getString("LOG_PATH", ""),
		},
	}

	if len(l.problems) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(l.problems, "; "))
	}

	return cfg, nil
}

func (l *loader) int(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		l.problems = append(l.problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return fallback
	}
	return value
}

func (l *loader) int64(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		l.problems = append(l.problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return fallback
	}
	return value
}

func (l *loader) float(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 1.0 {
		l.problems = append(l.problems, fmt.Sprintf("%s must be a number greater than 1.0, got %q", key, raw))
		return fallback
	}
	return value
}

func (l *loader) millis(key string, fallbackMillis int64) time.Duration {
	raw := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if raw == "" {
		return time.Duration(fallbackMillis) * time.Millisecond
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		l.problems = append(l.problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return time.Duration(fallbackMillis) * time.Millisecond
	}
	return time.Duration(value) * time.Millisecond
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(EnvPrefix + key)); value != "" {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
