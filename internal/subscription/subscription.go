// Package subscription implements the registry of subscriber interest in
// solar systems, reachable through either a live channel session or a
// webhook callback URL.
package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"

	"killfeed/broker/internal/apperr"
	"killfeed/broker/internal/clock"
	"killfeed/broker/internal/model"
)

// MaxSystemID bounds a system id per the u32 id space in the data model.
const MaxSystemID = 4294967295

// NewSubscriptionFunc is invoked once per newly created subscription so the
// historical backfill scheduler can preload recent events for it.
type NewSubscriptionFunc func(model.Subscription)

type entry struct {
	sub           model.Subscription
	channelActive bool
}

// Registry owns every live subscription record.
type Registry struct {
	mu                   sync.RWMutex
	clock                clock.Clock
	maxSubscribedSystems int
	subs                 map[string]*entry
	bySubscriber         map[string]map[string]struct{}
	onNew                NewSubscriptionFunc
}

// New constructs an empty Registry. onNew may be nil.
func New(c clock.Clock, maxSubscribedSystems int, onNew NewSubscriptionFunc) *Registry {
	if c == nil {
		c = clock.System
	}
	if maxSubscribedSystems <= 0 {
		maxSubscribedSystems = 100
	}
	return &Registry{
		clock:                c,
		maxSubscribedSystems: maxSubscribedSystems,
		subs:                 make(map[string]*entry),
		bySubscriber:         make(map[string]map[string]struct{}),
		onNew:                onNew,
	}
}

// Subscribe validates and registers a new subscription. Exactly one of
// hasChannel or a non-empty callbackURL must be set; the other must be
// absent, enforcing the "exactly one reachable transport" invariant.
func (r *Registry) Subscribe(subscriberID string, systemIDs []int64, callbackURL string, hasChannel bool) (string, error) {
	if err := r.validate(subscriberID, systemIDs, callbackURL, hasChannel); err != nil {
		return "", err
	}

	subID := r.generateSubID(subscriberID)
	sub := model.Subscription{
		SubID:        subID,
		SubscriberID: subscriberID,
		SystemIDs:    append([]int64(nil), systemIDs...),
		CallbackURL:  callbackURL,
		CreatedAt:    r.clock.Now(),
	}

	r.mu.Lock()
	r.subs[subID] = &entry{sub: sub, channelActive: hasChannel}
	perSubscriber, ok := r.bySubscriber[subscriberID]
	if !ok {
		perSubscriber = make(map[string]struct{})
		r.bySubscriber[subscriberID] = perSubscriber
	}
	perSubscriber[subID] = struct{}{}
	r.mu.Unlock()

	if r.onNew != nil {
		r.onNew(sub)
	}
	return subID, nil
}

func (r *Registry) validate(subscriberID string, systemIDs []int64, callbackURL string, hasChannel bool) error {
	if subscriberID == "" {
		return apperr.New(apperr.KindValidation, "subscriber_id must be non-empty")
	}
	if len(systemIDs) == 0 {
		return apperr.New(apperr.KindValidation, "system_ids must be non-empty")
	}
	if len(systemIDs) > r.maxSubscribedSystems {
		return apperr.New(apperr.KindValidation, fmt.Sprintf("system_ids exceeds max of %d", r.maxSubscribedSystems))
	}
	for _, id := range systemIDs {
		if id <= 0 || id > MaxSystemID {
			return apperr.New(apperr.KindValidation, fmt.Sprintf("system id %d out of range", id))
		}
	}

	hasCallback := callbackURL != ""
	if hasCallback {
		u, err := url.Parse(callbackURL)
		if err != nil || !u.IsAbs() {
			return apperr.New(apperr.KindValidation, "callback_url must be a valid absolute URL")
		}
	}
	if hasChannel == hasCallback {
		return apperr.New(apperr.KindValidation, "exactly one of channel session or callback_url must be reachable")
	}
	return nil
}

// generateSubID follows the spec's id scheme: lowercase hex of
// SHA-256(subscriber_id || ":" || microsecond timestamp), truncated to 16
// characters.
func (r *Registry) generateSubID(subscriberID string) string {
	ts := r.clock.Now().UnixMicro()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", subscriberID, ts)))
	return hex.EncodeToString(sum[:])[:16]
}

// Unsubscribe removes every subscription owned by subscriberID.
func (r *Registry) Unsubscribe(subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for subID := range r.bySubscriber[subscriberID] {
		delete(r.subs, subID)
	}
	delete(r.bySubscriber, subscriberID)
}

// List returns every live subscription.
func (r *Registry) List() []model.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Subscription, 0, len(r.subs))
	for _, e := range r.subs {
		out = append(out, e.sub)
	}
	return out
}

// Get returns the subscription identified by subID.
func (r *Registry) Get(subID string) (model.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.subs[subID]
	if !ok {
		return model.Subscription{}, false
	}
	return e.sub, true
}

// Update replaces subID's system_ids set, re-validating bounds against the
// subscription's existing subscriber and transport.
func (r *Registry) Update(subID string, systemIDs []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.subs[subID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "subscription not found: "+subID)
	}
	if err := r.validate(e.sub.SubscriberID, systemIDs, e.sub.CallbackURL, e.channelActive); err != nil {
		return err
	}
	e.sub.SystemIDs = append([]int64(nil), systemIDs...)
	return nil
}

// SetChannelActive records whether subID's channel session is currently
// live. The flag is reported in MatchSystem results and used by Update's
// transport validation; the broadcaster does not read it and instead tries
// the channel transport first, falling back to the webhook.
func (r *Registry) SetChannelActive(subID string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.subs[subID]; ok {
		e.channelActive = active
	}
}

// Match pairs a subscription with its current channel-liveness flag.
type Match struct {
	Subscription  model.Subscription
	ChannelActive bool
}

// MatchSystem returns every subscription interested in systemID.
func (r *Registry) MatchSystem(systemID int64) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matches []Match
	for _, e := range r.subs {
		if e.sub.HasSystem(systemID) {
			matches = append(matches, Match{Subscription: e.sub, ChannelActive: e.channelActive})
		}
	}
	return matches
}
