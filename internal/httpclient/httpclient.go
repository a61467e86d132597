// Package httpclient implements the rate-limited, circuit-broken, retrying
// GET client used by the enricher and historical backfill pager to reach
// the entity-metadata and feed APIs.
package httpclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"killfeed/broker/internal/apperr"
	"killfeed/broker/internal/breaker"
	"killfeed/broker/internal/logging"
	"killfeed/broker/internal/observability"
	"killfeed/broker/internal/ratelimit"
	"killfeed/broker/internal/retry"
)

// Client composes a rate limiter, circuit breaker, and retry loop around a
// stdlib *http.Client. Every request attaches a User-Agent header, and every
// call that passes the rate limiter emits http.request.{start,stop,error}
// telemetry; a rate-limited call returns KindRateLimited without emitting.
type Client struct {
	HTTP      *http.Client
	Limiter   *ratelimit.Limiter
	Breaker   *breaker.Breaker
	Retry     retry.Options
	UserAgent string
	Emitter   *observability.Emitter
	Logger    *logging.Logger
}

// New constructs a Client with sane defaults for the HTTP transport timeout.
func New(limiter *ratelimit.Limiter, br *breaker.Breaker, retryOpts retry.Options, userAgent string, emitter *observability.Emitter, logger *logging.Logger) *Client {
	return &Client{
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		Limiter:   limiter,
		Breaker:   br,
		Retry:     retryOpts,
		UserAgent: userAgent,
		Emitter:   emitter,
		Logger:    logger,
	}
}

// GetJSON issues a GET against url, gated by service's rate limiter and
// breaker and wrapped in retry.Do, decoding a 2xx JSON body into out.
func (c *Client) GetJSON(ctx context.Context, service, url string, headers map[string]string, out any) error {
	if !c.Limiter.TryAcquire(service) {
		return apperr.New(apperr.KindRateLimited, "rate limited acquiring "+service)
	}

	start := time.Now()
	c.emit("http.request.start", map[string]any{"url": url, "service": service})

	err := c.Breaker.Execute(service, func() error {
		return retry.Do(ctx, c.Retry, func() error {
			return c.doRequest(ctx, url, headers, out)
		})
	})

	duration := time.Since(start)
	if err != nil {
		c.emit("http.request.error", map[string]any{"url": url, "service": service, "duration_ns": duration.Nanoseconds(), "error": err.Error()})
		return err
	}
	c.emit("http.request.stop", map[string]any{"url": url, "service": service, "duration_ns": duration.Nanoseconds()})
	return nil
}

func (c *Client) doRequest(ctx context.Context, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "build request", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "read response body", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return apperr.New(apperr.KindNotFound, "resource not found: "+url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.HTTPStatus(resp.StatusCode, "unexpected status from "+url)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.KindParse, "decode JSON response", err)
	}
	return nil
}

func (c *Client) emit(name string, metadata map[string]any) {
	if c.Emitter != nil {
		c.Emitter.Emit(name, nil, metadata)
	}
}
