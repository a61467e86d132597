package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"killfeed/broker/internal/apperr"
	"killfeed/broker/internal/broadcast"
	"killfeed/broker/internal/logging"
	"killfeed/broker/internal/model"
)

const (
	lobbyTopic         = "killmails:lobby"
	defaultHeartbeat   = 45 * time.Second
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
	sendBufferSize     = 64
)

var upgrader = websocket.Upgrader{}

// inboundEnvelope is the wire shape of every client-sent WebSocket frame.
type inboundEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	SystemIDs        []int64         `json:"system_ids"`
	HistoricalConfig json.RawMessage `json:"historical_config,omitempty"`
}

// outboundEnvelope is the wire shape of every server-sent WebSocket frame,
// covering detailed_kill_update, kill_count_update, and preload_* kinds.
type outboundEnvelope struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type wsClient struct {
	conn         *websocket.Conn
	send         chan []byte
	subID        string
	subscriberID string
	logger       *logging.Logger
	connectedAt  time.Time
}

// Hub adapts the spec's `killmails:lobby` channel protocol onto a
// gorilla/websocket connection registry, grounded on the teacher's
// Broker.serveWS (upgrade, read-deadline/pong keepalive, reader+writer
// goroutine pair) generalized from game-state frames to the killmail
// message kinds and from a single shared client set to one registered
// connection per subscription id.
type Hub struct {
	logger            *logging.Logger
	registry          SubscriptionRegistry
	backfill          BackfillScheduler
	maxSystems        int
	heartbeatInterval time.Duration
	preload           *PreloadDeliverer

	mu      sync.Mutex
	clients map[string]*wsClient
}

func newHub(logger *logging.Logger, registry SubscriptionRegistry, backfill BackfillScheduler, maxSystems int) *Hub {
	if logger == nil {
		logger = logging.L()
	}
	h := &Hub{
		logger:            logger,
		registry:          registry,
		backfill:          backfill,
		maxSystems:        maxSystems,
		heartbeatInterval: defaultHeartbeat,
		clients:           make(map[string]*wsClient),
	}
	h.preload = &PreloadDeliverer{hub: h, http: &http.Client{Timeout: 10 * time.Second}, logger: logger}
	return h
}

// Preload returns the hub's backfill.Deliverer implementation, wired into
// the backfill scheduler so progress and batch events reach the same
// connection registered for real-time delivery.
func (h *Hub) Preload() *PreloadDeliverer { return h.preload }

// Send implements broadcast.ChannelTransport: deliver msg to subID's live
// connection if one is registered. The outbound envelope's Event field
// already names the kind, so only msg.Data is forwarded as Payload,
// matching the channel's flat per-kind message shape.
func (h *Hub) Send(subID, topic string, msg broadcast.Message) bool {
	return h.sendEnvelope(subID, outboundEnvelope{Topic: topic, Event: msg.Type, Payload: msg.Data})
}

func (h *Hub) sendEnvelope(subID string, envelope outboundEnvelope) bool {
	h.mu.Lock()
	client, ok := h.clients[subID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return false
	}
	select {
	case client.send <- body:
		return true
	default:
		return false
	}
}

func (h *Hub) register(subID string, client *wsClient) {
	h.mu.Lock()
	h.clients[subID] = client
	h.mu.Unlock()
}

func (h *Hub) forget(subID string) {
	h.mu.Lock()
	delete(h.clients, subID)
	h.mu.Unlock()
}

// ServeWS upgrades the connection, reads the lobby join frame, registers
// the resulting subscription, and runs the reader/writer goroutine pair
// until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	subscriberID := uuid.NewString()
	client := &wsClient{conn: conn, send: make(chan []byte, sendBufferSize), subscriberID: subscriberID, connectedAt: time.Now()}
	client.logger = h.logger.With(logging.String("subscriber_id", subscriberID))

	waitDuration := time.Duration(pongWaitMultiplier) * h.heartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(waitDuration))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	subID, err := h.join(client)
	if err != nil {
		client.logger.Warn("rejecting websocket join", logging.Error(err))
		_ = conn.WriteJSON(outboundEnvelope{Topic: lobbyTopic, Event: "preload_failed", Payload: map[string]string{"reason": err.Error()}})
		_ = conn.Close()
		return
	}
	client.subID = subID

	go h.writeLoop(client)
	h.readLoop(client, waitDuration)
}

// join blocks for the single expected join frame, validates and registers
// the resulting subscription, and kicks off backfill if requested.
func (h *Hub) join(client *wsClient) (string, error) {
	_, raw, err := client.conn.ReadMessage()
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransport, "failed to read join frame", err)
	}
	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", apperr.Wrap(apperr.KindParse, "invalid join frame", err)
	}
	if envelope.Topic != lobbyTopic {
		return "", apperr.New(apperr.KindValidation, "must join topic "+lobbyTopic)
	}
	var join joinPayload
	if err := json.Unmarshal(envelope.Payload, &join); err != nil {
		return "", apperr.Wrap(apperr.KindParse, "invalid join payload", err)
	}
	if h.maxSystems > 0 && len(join.SystemIDs) > h.maxSystems {
		return "", apperr.New(apperr.KindValidation, "system_ids exceeds connection limit")
	}

	subID, err := h.registry.Subscribe(client.subscriberID, join.SystemIDs, "", true)
	if err != nil {
		return "", err
	}
	h.register(subID, client)

	if h.backfill != nil && len(join.HistoricalConfig) > 0 {
		h.backfill.Schedule(model.Subscription{
			SubID:        subID,
			SubscriberID: client.subscriberID,
			SystemIDs:    join.SystemIDs,
		})
	}
	return subID, nil
}

func (h *Hub) readLoop(client *wsClient, waitDuration time.Duration) {
	defer h.teardown(client)
	for {
		_, _, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := client.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			return
		}
		// Frames after the join are not part of the protocol; drop them.
	}
}

func (h *Hub) writeLoop(client *wsClient) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) teardown(client *wsClient) {
	client.logger.Info("websocket disconnected", logging.String("duration", time.Since(client.connectedAt).String()))
	if client.subID != "" {
		h.registry.SetChannelActive(client.subID, false)
		h.forget(client.subID)
		if h.backfill != nil {
			h.backfill.Cancel(client.subID)
		}
	}
	h.registry.Unsubscribe(client.subscriberID)
}
