package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"killfeed/broker/internal/apperr"
	"killfeed/broker/internal/breaker"
	"killfeed/broker/internal/clock"
	"killfeed/broker/internal/observability"
	"killfeed/broker/internal/ratelimit"
	"killfeed/broker/internal/retry"
)

type payload struct {
	Name string `json:"name"`
}

func newTestClient() *Client {
	fc := clock.NewFixed(time.Unix(0, 0))
	limiter := ratelimit.New(fc)
	limiter.Register(ratelimit.ServiceEnrich, 1000, 1000)
	br := breaker.New(fc, 5, 30*time.Second, 5*time.Second)
	retryOpts := retry.Options{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Factor: 2, MaxRetries: 2, Sleep: func(context.Context, time.Duration) error { return nil }}
	emitter := observability.NewEmitter(fc, nil, nil)
	return New(limiter, br, retryOpts, "killfeed-broker-test/1.0", emitter, nil)
}

func TestGetJSONDecodesSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected User-Agent header to be set")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"Jita"}`))
	}))
	defer srv.Close()

	c := newTestClient()
	var out payload
	if err := c.GetJSON(context.Background(), ratelimit.ServiceEnrich, srv.URL, nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Name != "Jita" {
		t.Errorf("expected decoded name Jita, got %q", out.Name)
	}
}

func TestGetJSONRetriesOn503ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"name":"Amarr"}`))
	}))
	defer srv.Close()

	c := newTestClient()
	var out payload
	if err := c.GetJSON(context.Background(), ratelimit.ServiceEnrich, srv.URL, nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestGetJSONSurfaces404AsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient()
	err := c.GetJSON(context.Background(), ratelimit.ServiceEnrich, srv.URL, nil, &payload{})
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected KindNotFound for 404 response, got %v", err)
	}
}

func TestGetJSONRateLimited(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	limiter := ratelimit.New(fc)
	limiter.Register(ratelimit.ServiceFeed, 0, 10)
	br := breaker.New(fc, 5, 30*time.Second, 5*time.Second)
	retryOpts := retry.Options{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2, MaxRetries: 0}
	emitter := observability.NewEmitter(fc, nil, nil)
	c := New(limiter, br, retryOpts, "test/1.0", emitter, nil)

	err := c.GetJSON(context.Background(), ratelimit.ServiceFeed, "http://unused", nil, nil)
	if err == nil {
		t.Fatal("expected rate limited error")
	}
}
