// Package broadcast matches enriched killmails to interested subscriptions
// and dispatches them over a live channel session or a webhook callback,
// one bounded outbound queue per subscription.
package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"killfeed/broker/internal/clock"
	"killfeed/broker/internal/logging"
	"killfeed/broker/internal/model"
	"killfeed/broker/internal/observability"
	"killfeed/broker/internal/subscription"
)

// KillUpdatePayload is the detailed_kill_update message body: a single
// newly-arrived enriched killmail for a system.
type KillUpdatePayload struct {
	SolarSystemID int64                    `json:"solar_system_id"`
	Kills         []model.EnrichedKillmail `json:"kills"`
	Timestamp     time.Time                `json:"timestamp"`
}

// KillCountPayload is the kill_count_update message body: the running kill
// count for a system.
type KillCountPayload struct {
	SolarSystemID int64     `json:"solar_system_id"`
	Count         int64     `json:"count"`
	Timestamp     time.Time `json:"timestamp"`
}

// Message is the envelope delivered to a subscription. Over a channel
// session Data carries the kind-specific payload directly (the topic and
// Type already identify the kind); as a webhook POST body the whole
// envelope is marshaled as `{type, data}` per §4.K.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	MessageDetailedKillUpdate = "detailed_kill_update"
	MessageKillCountUpdate    = "kill_count_update"
)

// ChannelTransport delivers a message to a subscription's live channel
// session. Implementations own the actual connection registry; Send
// reports false if no session is currently attached for subID.
type ChannelTransport interface {
	Send(subID, topic string, msg Message) bool
}

// Registry is the subset of *subscription.Registry the broadcaster needs.
type Registry interface {
	MatchSystem(systemID int64) []subscription.Match
}

// Config controls queue depth and webhook delivery.
type Config struct {
	QueueSize      int
	WebhookTimeout time.Duration
}

// Broadcaster fans enriched killmails out to every subscription whose
// system_ids include the event's system, one bounded, drop-oldest-on-full
// queue per subscription so a slow subscriber cannot stall delivery to
// others.
type Broadcaster struct {
	cfg       Config
	registry  Registry
	transport ChannelTransport
	http      *http.Client
	clock     clock.Clock
	logger    *logging.Logger
	emitter   *observability.Emitter

	mu     sync.Mutex
	counts map[int64]int64
	queues map[string]chan queuedMessage
	wg     sync.WaitGroup
}

type queuedMessage struct {
	sub model.Subscription
	msg Message
}

// New constructs a Broadcaster.
func New(cfg Config, registry Registry, transport ChannelTransport, c clock.Clock, logger *logging.Logger, emitter *observability.Emitter) *Broadcaster {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 10 * time.Second
	}
	if c == nil {
		c = clock.System
	}
	return &Broadcaster{
		cfg:       cfg,
		registry:  registry,
		transport: transport,
		http:      &http.Client{Timeout: cfg.WebhookTimeout},
		clock:     c,
		logger:    logger,
		emitter:   emitter,
		counts:    make(map[int64]int64),
		queues:    make(map[string]chan queuedMessage),
	}
}

// Publish matches systemID against the subscription registry and enqueues
// a detailed_kill_update followed by a kill_count_update to every match, in
// per-subscription insertion order.
func (b *Broadcaster) Publish(systemID int64, km model.EnrichedKillmail) {
	matches := b.registry.MatchSystem(systemID)
	if len(matches) == 0 {
		return
	}

	now := b.clock.Now()
	b.mu.Lock()
	b.counts[systemID]++
	count := b.counts[systemID]
	b.mu.Unlock()

	killMsg := Message{Type: MessageDetailedKillUpdate, Data: KillUpdatePayload{SolarSystemID: systemID, Kills: []model.EnrichedKillmail{km}, Timestamp: now}}
	countMsg := Message{Type: MessageKillCountUpdate, Data: KillCountPayload{SolarSystemID: systemID, Count: count, Timestamp: now}}

	for _, match := range matches {
		b.enqueue(match.Subscription, killMsg)
		b.enqueue(match.Subscription, countMsg)
	}
}

// enqueue lazily starts a dispatch goroutine for sub, then pushes msg onto
// its bounded queue, dropping the oldest queued message if it is full.
func (b *Broadcaster) enqueue(sub model.Subscription, msg Message) {
	b.mu.Lock()
	queue, ok := b.queues[sub.SubID]
	if !ok {
		queue = make(chan queuedMessage, b.cfg.QueueSize)
		b.queues[sub.SubID] = queue
		b.wg.Add(1)
		go b.dispatchLoop(sub.SubID, queue)
	}
	b.mu.Unlock()

	qm := queuedMessage{sub: sub, msg: msg}
	select {
	case queue <- qm:
		return
	default:
	}
	select {
	case <-queue:
	default:
	}
	select {
	case queue <- qm:
	default:
	}
}

// dispatchLoop drains a single subscription's queue, delivering each
// message over its channel session or webhook callback.
func (b *Broadcaster) dispatchLoop(subID string, queue chan queuedMessage) {
	defer b.wg.Done()
	for qm := range queue {
		b.deliver(qm.sub, qm.msg)
	}
}

func (b *Broadcaster) deliver(sub model.Subscription, msg Message) {
	topic := "killmails:" + sub.SubID
	if b.transport != nil && b.transport.Send(sub.SubID, topic, msg) {
		return
	}
	if sub.CallbackURL != "" {
		b.deliverWebhook(sub, msg)
	}
}

// deliverWebhook POSTs msg to sub.CallbackURL. 2xx is success; any other
// outcome is logged and not retried synchronously — at-least-once delivery
// for webhooks relies on channel replay through the event store on
// reconnect, per §4.K.
func (b *Broadcaster) deliverWebhook(sub model.Subscription, msg Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		b.logError("marshal webhook payload", sub.SubID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.CallbackURL, bytes.NewReader(body))
	if err != nil {
		b.logError("build webhook request", sub.SubID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		b.logError("webhook delivery failed", sub.SubID, err)
		b.emit("broadcast.webhook.error", sub.SubID, 0)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.emit("broadcast.webhook.non_2xx", sub.SubID, resp.StatusCode)
		return
	}
	b.emit("broadcast.webhook.delivered", sub.SubID, resp.StatusCode)
}

// Forget stops and removes subID's dispatch queue, called when a
// subscription is removed.
func (b *Broadcaster) Forget(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if queue, ok := b.queues[subID]; ok {
		close(queue)
		delete(b.queues, subID)
	}
}

// Wait blocks until every dispatch goroutine has exited. A dispatch goroutine
// exits only once Forget closes its queue, so Wait is intended for use after
// every queue has been individually forgotten during shutdown.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}

func (b *Broadcaster) logError(msg, subID string, err error) {
	if b.logger == nil {
		return
	}
	b.logger.Error(msg, logging.String("sub_id", subID), logging.Error(err))
}

func (b *Broadcaster) emit(name, subID string, statusCode int) {
	if b.emitter == nil {
		return
	}
	b.emitter.Emit(name, nil, map[string]any{"sub_id": subID, "status_code": statusCode})
}
