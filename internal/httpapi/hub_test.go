package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"killfeed/broker/internal/broadcast"
	"killfeed/broker/internal/logging"
	"killfeed/broker/internal/model"
)

type fixedSubIDRegistry struct {
	mu            sync.Mutex
	subID         string
	unsubscribed  []string
	channelActive map[string]bool
}

func newFixedSubIDRegistry(subID string) *fixedSubIDRegistry {
	return &fixedSubIDRegistry{subID: subID, channelActive: make(map[string]bool)}
}

func (r *fixedSubIDRegistry) Subscribe(subscriberID string, systemIDs []int64, callbackURL string, hasChannel bool) (string, error) {
	return r.subID, nil
}

func (r *fixedSubIDRegistry) Unsubscribe(subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribed = append(r.unsubscribed, subscriberID)
}

func (r *fixedSubIDRegistry) SetChannelActive(subID string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channelActive[subID] = active
}

func (r *fixedSubIDRegistry) List() []model.Subscription                   { return nil }
func (r *fixedSubIDRegistry) Get(subID string) (model.Subscription, bool) { return model.Subscription{}, false }
func (r *fixedSubIDRegistry) Update(subID string, systemIDs []int64) error { return nil }

func (r *fixedSubIDRegistry) unsubscribeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unsubscribed)
}

type fakeBackfillScheduler struct {
	mu        sync.Mutex
	scheduled []model.Subscription
	cancelled []string
}

func (f *fakeBackfillScheduler) Schedule(sub model.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, sub)
}

func (f *fakeBackfillScheduler) Cancel(subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, subID)
}

func (f *fakeBackfillScheduler) scheduleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

func newHubTestServer(hub *Hub) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(hub.ServeWS))
}

func dialWS(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubJoinRegistersAndDeliversBroadcast(t *testing.T) {
	registry := newFixedSubIDRegistry("sub-1")
	backfill := &fakeBackfillScheduler{}
	hub := newHub(logging.NewTestLogger(), registry, backfill, 100)

	server := newHubTestServer(hub)
	defer server.Close()
	conn := dialWS(t, server.URL)
	defer conn.Close()

	join := map[string]any{
		"topic": lobbyTopic,
		"payload": map[string]any{
			"system_ids":        []int64{1, 2},
			"historical_config": map[string]any{},
		},
	}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("write join: %v", err)
	}

	waitUntil(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients["sub-1"]
		return ok
	})
	waitUntil(t, func() bool { return backfill.scheduleCount() == 1 })

	sent := hub.Send("sub-1", "killmails:sub-1", broadcast.Message{
		Type: broadcast.MessageDetailedKillUpdate,
		Data: broadcast.KillUpdatePayload{SolarSystemID: 1},
	})
	if !sent {
		t.Fatal("expected Send to find the registered client")
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), broadcast.MessageDetailedKillUpdate) {
		t.Fatalf("expected detailed_kill_update frame, got %s", msg)
	}
}

func TestHubRejectsTooManySystems(t *testing.T) {
	registry := newFixedSubIDRegistry("sub-2")
	hub := newHub(logging.NewTestLogger(), registry, nil, 1)

	server := newHubTestServer(hub)
	defer server.Close()
	conn := dialWS(t, server.URL)
	defer conn.Close()

	join := map[string]any{
		"topic":   lobbyTopic,
		"payload": map[string]any{"system_ids": []int64{1, 2, 3}},
	}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("write join: %v", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "preload_failed") {
		t.Fatalf("expected preload_failed rejection, got %s", msg)
	}
}

func TestHubTeardownUnsubscribesOnDisconnect(t *testing.T) {
	registry := newFixedSubIDRegistry("sub-3")
	hub := newHub(logging.NewTestLogger(), registry, &fakeBackfillScheduler{}, 100)

	server := newHubTestServer(hub)
	defer server.Close()
	conn := dialWS(t, server.URL)

	join := map[string]any{
		"topic":   lobbyTopic,
		"payload": map[string]any{"system_ids": []int64{1}},
	}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("write join: %v", err)
	}
	waitUntil(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients["sub-3"]
		return ok
	})

	conn.Close()
	waitUntil(t, func() bool { return registry.unsubscribeCount() == 1 })
}
