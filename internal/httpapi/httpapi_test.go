package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"killfeed/broker/internal/apperr"
	"killfeed/broker/internal/logging"
	"killfeed/broker/internal/model"
	"killfeed/broker/internal/observability"
)

type stubEventStore struct {
	bySystem map[int64][]model.Event
	byKillID map[int64]model.Event
}

func (s *stubEventStore) CountForSystem(systemID int64) int { return len(s.bySystem[systemID]) }

func (s *stubEventStore) RecentForSystem(systemID int64, limit int) []model.Event {
	events := s.bySystem[systemID]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

func (s *stubEventStore) FindByKillmailID(killmailID int64) (model.Event, bool) {
	evt, ok := s.byKillID[killmailID]
	return evt, ok
}

type stubStatus struct {
	snapshot observability.Snapshot
}

func (s *stubStatus) Latest() observability.Snapshot { return s.snapshot }

type stubRegistry struct {
	subs         map[string]model.Subscription
	unsubscribed []string
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{subs: make(map[string]model.Subscription)}
}

func (r *stubRegistry) Subscribe(subscriberID string, systemIDs []int64, callbackURL string, hasChannel bool) (string, error) {
	if subscriberID == "" {
		return "", apperr.New(apperr.KindValidation, "subscriber_id must be non-empty")
	}
	subID := subscriberID + "-sub"
	r.subs[subID] = model.Subscription{SubID: subID, SubscriberID: subscriberID, SystemIDs: systemIDs, CallbackURL: callbackURL}
	return subID, nil
}

func (r *stubRegistry) Unsubscribe(subscriberID string) { r.unsubscribed = append(r.unsubscribed, subscriberID) }
func (r *stubRegistry) SetChannelActive(subID string, active bool) {}

func (r *stubRegistry) List() []model.Subscription {
	out := make([]model.Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (r *stubRegistry) Get(subID string) (model.Subscription, bool) {
	s, ok := r.subs[subID]
	return s, ok
}

func (r *stubRegistry) Update(subID string, systemIDs []int64) error {
	s, ok := r.subs[subID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "subscription not found: "+subID)
	}
	s.SystemIDs = systemIDs
	r.subs[subID] = s
	return nil
}

func newTestServer(t *testing.T, events EventStore, status StatusSource, registry SubscriptionRegistry) *httptest.Server {
	t.Helper()
	srv := NewServer(Options{
		Logger:     logging.NewTestLogger(),
		EventStore: events,
		Status:     status,
		Registry:   registry,
	})
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestPingReturnsPong(t *testing.T) {
	ts := newTestServer(t, &stubEventStore{}, &stubStatus{}, newStubRegistry())
	resp, err := http.Get(ts.URL + "/ping")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestKillmailReturnsNotFoundForUnknownID(t *testing.T) {
	ts := newTestServer(t, &stubEventStore{byKillID: map[int64]model.Event{}}, &stubStatus{}, newStubRegistry())
	resp, err := http.Get(ts.URL + "/killmail/999")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestKillmailRejectsNonIntegerID(t *testing.T) {
	ts := newTestServer(t, &stubEventStore{}, &stubStatus{}, newStubRegistry())
	resp, err := http.Get(ts.URL + "/killmail/not-a-number")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestKillmailReturnsEnrichedKillmail(t *testing.T) {
	store := &stubEventStore{byKillID: map[int64]model.Event{
		100: {Seq: 1, SystemID: 30000142, Killmail: model.EnrichedKillmail{KillmailID: 100, SolarSystemID: 30000142}},
	}}
	ts := newTestServer(t, store, &stubStatus{}, newStubRegistry())
	resp, err := http.Get(ts.URL + "/killmail/100")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Status   string                  `json:"status"`
		Killmail model.EnrichedKillmail `json:"killmail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Killmail.KillmailID != 100 {
		t.Fatalf("expected killmail_id 100, got %d", payload.Killmail.KillmailID)
	}
}

func TestSystemKillmailsReturnsRecentList(t *testing.T) {
	store := &stubEventStore{bySystem: map[int64][]model.Event{
		30000142: {
			{Seq: 2, SystemID: 30000142, Killmail: model.EnrichedKillmail{KillmailID: 2}},
			{Seq: 1, SystemID: 30000142, Killmail: model.EnrichedKillmail{KillmailID: 1}},
		},
	}}
	ts := newTestServer(t, store, &stubStatus{}, newStubRegistry())
	resp, err := http.Get(ts.URL + "/system_killmails/30000142")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var payload struct {
		Killmails []model.EnrichedKillmail `json:"killmails"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Killmails) != 2 {
		t.Fatalf("expected 2 killmails, got %d", len(payload.Killmails))
	}
}

func TestKillsForSystemRedirects(t *testing.T) {
	ts := newTestServer(t, &stubEventStore{}, &stubStatus{}, newStubRegistry())
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(ts.URL + "/kills_for_system/30000142")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/system_killmails/30000142" {
		t.Fatalf("unexpected redirect location %q", loc)
	}
}

func TestKillCountReturnsCurrentCount(t *testing.T) {
	store := &stubEventStore{bySystem: map[int64][]model.Event{
		30000142: {{Seq: 1}, {Seq: 2}, {Seq: 3}},
	}}
	ts := newTestServer(t, store, &stubStatus{}, newStubRegistry())
	resp, err := http.Get(ts.URL + "/kill_count/30000142")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var payload struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Count != 3 {
		t.Fatalf("expected count 3, got %d", payload.Count)
	}
}

func TestStatusReturnsLatestSnapshot(t *testing.T) {
	snap := observability.Snapshot{UptimeSeconds: 42, GeneratedAt: time.Unix(0, 0)}
	ts := newTestServer(t, &stubEventStore{}, &stubStatus{snapshot: snap}, newStubRegistry())
	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var payload observability.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.UptimeSeconds != 42 {
		t.Fatalf("expected uptime 42, got %f", payload.UptimeSeconds)
	}
}

func TestCreateSubscriptionRoundTrips(t *testing.T) {
	registry := newStubRegistry()
	ts := newTestServer(t, &stubEventStore{}, &stubStatus{}, registry)

	body, _ := json.Marshal(map[string]any{
		"subscriber_id": "alice",
		"system_ids":    []int64{1, 2},
		"callback_url":  "https://example.com/hook",
	})
	resp, err := http.Post(ts.URL+"/subscriptions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		SubID string `json:"sub_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.SubID != "alice-sub" {
		t.Fatalf("unexpected sub_id %q", payload.SubID)
	}

	getResp, err := http.Get(ts.URL + "/subscriptions/" + payload.SubID)
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", getResp.StatusCode)
	}
}

func TestGetSubscriptionReturnsNotFoundForUnknownID(t *testing.T) {
	ts := newTestServer(t, &stubEventStore{}, &stubStatus{}, newStubRegistry())
	resp, err := http.Get(ts.URL + "/subscriptions/missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
