// Package historical implements backfill.Fetcher against the feed source's
// historical kill-listing endpoint, merging each listed {killmail_id, zkb}
// pair into a full RawKillmail the same way the ingest worker merges a
// legacy-format feed package.
package historical

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"killfeed/broker/internal/httpclient"
	"killfeed/broker/internal/model"
	"killfeed/broker/internal/ratelimit"
)

// Fetcher pages through a system's historical kills via the historical
// listing endpoint, fetching each killmail's full body through
// LegacyKillmailURL the way the feed's legacy package format is resolved.
type Fetcher struct {
	Client            *httpclient.Client
	HistoricalURL     string
	LegacyKillmailURL func(killID int64, hash string) string
}

// New constructs a Fetcher.
func New(client *httpclient.Client, historicalURL string, legacyKillmailURL func(killID int64, hash string) string) *Fetcher {
	return &Fetcher{Client: client, HistoricalURL: historicalURL, LegacyKillmailURL: legacyKillmailURL}
}

type listingEntry struct {
	KillmailID int64          `json:"killmail_id"`
	ZKB        map[string]any `json:"zkb"`
}

// FetchPage implements backfill.Fetcher: GETs one page of {killmail_id, zkb}
// pairs for systemID, then resolves each entry's full body.
func (f *Fetcher) FetchPage(ctx context.Context, systemID int64, page, pageSize int) ([]model.RawKillmail, bool, error) {
	pageURL, err := f.buildPageURL(systemID, page, pageSize)
	if err != nil {
		return nil, false, err
	}

	var listing []listingEntry
	if err := f.Client.GetJSON(ctx, ratelimit.ServiceFeed, pageURL, nil, &listing); err != nil {
		return nil, false, err
	}

	kills := make([]model.RawKillmail, 0, len(listing))
	for _, entry := range listing {
		raw, ok := f.resolveEntry(ctx, entry)
		if !ok {
			continue
		}
		kills = append(kills, raw)
	}
	hasMore := len(listing) >= pageSize
	return kills, hasMore, nil
}

func (f *Fetcher) buildPageURL(systemID int64, page, pageSize int) (string, error) {
	u, err := url.Parse(f.HistoricalURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("system_id", strconv.FormatInt(systemID, 10))
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// resolveEntry fetches entry's full killmail body and merges its zkb
// metadata, mirroring ingest.Worker.resolvePackage's legacy-format merge.
func (f *Fetcher) resolveEntry(ctx context.Context, entry listingEntry) (model.RawKillmail, bool) {
	hash, _ := entry.ZKB["hash"].(string)
	bodyURL := f.LegacyKillmailURL(entry.KillmailID, hash)

	var body map[string]any
	if err := f.Client.GetJSON(ctx, ratelimit.ServiceFeed, bodyURL, nil, &body); err != nil {
		return model.RawKillmail{}, false
	}
	body["zkb"] = entry.ZKB

	eventTime, ok := extractEventTime(body)
	if !ok {
		return model.RawKillmail{}, false
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return model.RawKillmail{}, false
	}
	var raw model.RawKillmail
	if err := json.Unmarshal(buf, &raw); err != nil {
		return model.RawKillmail{}, false
	}
	raw.Time = eventTime
	return raw, true
}

func extractEventTime(m map[string]any) (time.Time, bool) {
	for _, key := range []string{"killmail_time", "kill_time"} {
		if t, ok := parseTimeField(m[key]); ok {
			return t, true
		}
	}
	if zkb, ok := m["zkb"].(map[string]any); ok {
		if t, ok := parseTimeField(zkb["killmail_time"]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTimeField(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
