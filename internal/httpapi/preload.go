package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"killfeed/broker/internal/logging"
	"killfeed/broker/internal/model"
)

// PreloadDeliverer implements backfill.Deliverer, routing progress and
// batch events through the hub's live channel connection when attached,
// falling back to the subscription's webhook callback otherwise — the same
// channel-then-webhook precedence as the broadcaster, duplicated narrowly
// here because preload envelopes (preload_status/batch/complete/failed)
// carry a different payload shape than broadcast.Message.
type PreloadDeliverer struct {
	hub    *Hub
	http   *http.Client
	logger *logging.Logger
}

func (d *PreloadDeliverer) DeliverBatch(sub model.Subscription, kills []model.EnrichedKillmail) {
	d.send(sub, "preload_batch", map[string]any{"kills": kills})
}

func (d *PreloadDeliverer) EmitProgress(sub model.Subscription, event string, detail map[string]any) {
	switch event {
	case "fetching":
		d.send(sub, "preload_status", map[string]any{"status": "fetching"})
	case "complete":
		d.send(sub, "preload_complete", detail)
	case "failed":
		d.send(sub, "preload_failed", detail)
	case "batch_delivered":
		// DeliverBatch already pushed the preload_batch frame for this chunk.
	}
}

func (d *PreloadDeliverer) send(sub model.Subscription, event string, payload any) {
	topic := "killmails:" + sub.SubID
	if d.hub.sendEnvelope(sub.SubID, outboundEnvelope{Topic: topic, Event: event, Payload: payload}) {
		return
	}
	if sub.CallbackURL == "" {
		return
	}

	body, err := json.Marshal(map[string]any{"type": event, "data": payload})
	if err != nil {
		d.logger.Error("marshal preload webhook payload", logging.String("sub_id", sub.SubID), logging.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, sub.CallbackURL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("build preload webhook request", logging.String("sub_id", sub.SubID), logging.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		d.logger.Warn("preload webhook delivery failed", logging.String("sub_id", sub.SubID), logging.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Warn("preload webhook non-2xx", logging.String("sub_id", sub.SubID), logging.Int("status_code", resp.StatusCode))
	}
}
