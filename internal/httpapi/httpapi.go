// Package httpapi implements the service's external HTTP surface: a small
// REST API over the event store and status aggregator, plus a WebSocket
// channel adapter for real-time and backfill delivery, adapted from this
// repository's reference handlers.go (Options/HandlerSet/Register shape).
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"killfeed/broker/internal/apperr"
	"killfeed/broker/internal/logging"
	"killfeed/broker/internal/model"
	"killfeed/broker/internal/observability"
)

// EventStore is the subset of *eventstore.Store the HTTP surface reads.
type EventStore interface {
	CountForSystem(systemID int64) int
	RecentForSystem(systemID int64, limit int) []model.Event
	FindByKillmailID(killmailID int64) (model.Event, bool)
}

// StatusSource supplies the latest observability snapshot for /status.
type StatusSource interface {
	Latest() observability.Snapshot
}

// SubscriptionRegistry is the subset of *subscription.Registry the channel
// adapter and the webhook management endpoints need.
type SubscriptionRegistry interface {
	Subscribe(subscriberID string, systemIDs []int64, callbackURL string, hasChannel bool) (string, error)
	Unsubscribe(subscriberID string)
	SetChannelActive(subID string, active bool)
	List() []model.Subscription
	Get(subID string) (model.Subscription, bool)
	Update(subID string, systemIDs []int64) error
}

// BackfillScheduler is the subset of *backfill.Scheduler the channel adapter
// needs to kick off historical preload on join.
type BackfillScheduler interface {
	Schedule(sub model.Subscription)
	Cancel(subID string)
}

// Options configures the Server.
type Options struct {
	Logger               *logging.Logger
	EventStore           EventStore
	Status               StatusSource
	Registry             SubscriptionRegistry
	Backfill             BackfillScheduler
	MaxSubscribedSystems int
	RecentKillmailLimit  int
}

// Server bundles the REST handlers and the WebSocket hub.
type Server struct {
	logger              *logging.Logger
	events              EventStore
	status              StatusSource
	registry            SubscriptionRegistry
	recentKillmailLimit int
	hub                 *Hub
}

// NewServer constructs a Server. Call Register to attach its handlers to a
// mux, or use ListenAndServeWS-style wiring via the returned Hub for a
// custom mux layout.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	limit := opts.RecentKillmailLimit
	if limit <= 0 {
		limit = 50
	}
	hub := newHub(logger, opts.Registry, opts.Backfill, opts.MaxSubscribedSystems)
	return &Server{
		logger:              logger,
		events:              opts.EventStore,
		status:              opts.Status,
		registry:            opts.Registry,
		recentKillmailLimit: limit,
		hub:                 hub,
	}
}

// Hub exposes the WebSocket channel transport so the broadcaster can be
// constructed with it as its broadcast.ChannelTransport.
func (s *Server) Hub() *Hub { return s.hub }

// Register attaches every REST endpoint and the WebSocket upgrade handler
// to mux.
func (s *Server) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /killmail/{id}", s.handleKillmail)
	mux.HandleFunc("GET /system_killmails/{system_id}", s.handleSystemKillmails)
	mux.HandleFunc("GET /kills_for_system/{system_id}", s.handleKillsForSystemRedirect)
	mux.HandleFunc("GET /kill_count/{system_id}", s.handleKillCount)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.hub.ServeWS)

	if s.registry != nil {
		mux.HandleFunc("POST /subscriptions", s.handleCreateSubscription)
		mux.HandleFunc("GET /subscriptions", s.handleListSubscriptions)
		mux.HandleFunc("GET /subscriptions/{sub_id}", s.handleGetSubscription)
		mux.HandleFunc("PATCH /subscriptions/{sub_id}", s.handleUpdateSubscription)
		mux.HandleFunc("DELETE /subscriptions/{subscriber_id}", s.handleUnsubscribe)
	}
}

// webhook subscription management exposes §4.J's subscribe/unsubscribe/
// list/get/update operations for callback_url subscribers; the WebSocket
// join path (see hub.go) covers channel subscribers directly.

type createSubscriptionRequest struct {
	SubscriberID string  `json:"subscriber_id"`
	SystemIDs    []int64 `json:"system_ids"`
	CallbackURL  string  `json:"callback_url"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	subID, err := s.registry.Subscribe(req.SubscriberID, req.SystemIDs, req.CallbackURL, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "sub_id": subID})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "subscriptions": s.registry.List()})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.registry.Get(r.PathValue("sub_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "subscription": sub})
}

type updateSubscriptionRequest struct {
	SystemIDs []int64 `json:"system_ids"`
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req updateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.registry.Update(r.PathValue("sub_id"), req.SystemIDs); err != nil {
		status := http.StatusBadRequest
		if apperr.KindOf(err) == apperr.KindNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.registry.Unsubscribe(r.PathValue("subscriber_id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func (s *Server) handleKillmail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	evt, ok := s.events.FindByKillmailID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "killmail not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"killmail": evt.Killmail,
	})
}

func (s *Server) handleSystemKillmails(w http.ResponseWriter, r *http.Request) {
	systemID, err := s.pathSystemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := s.events.RecentForSystem(systemID, s.recentKillmailLimit)
	kills := make([]model.EnrichedKillmail, 0, len(events))
	for _, evt := range events {
		kills = append(kills, evt.Killmail)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"system_id": systemID,
		"killmails": kills,
	})
}

func (s *Server) handleKillsForSystemRedirect(w http.ResponseWriter, r *http.Request) {
	systemID := r.PathValue("system_id")
	http.Redirect(w, r, "/system_killmails/"+systemID, http.StatusFound)
}

func (s *Server) handleKillCount(w http.ResponseWriter, r *http.Request) {
	systemID, err := s.pathSystemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"system_id": systemID,
		"count":     s.events.CountForSystem(systemID),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, observability.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.status.Latest())
}

func (s *Server) pathSystemID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.PathValue("system_id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperr.New(apperr.KindValidation, "system_id must be an integer")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"status": "error", "reason": reason})
}
