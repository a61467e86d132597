package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"killfeed/broker/internal/clock"
	"killfeed/broker/internal/model"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[int64][][]model.RawKillmail
	calls int
}

func (f *fakeFetcher) FetchPage(ctx context.Context, systemID int64, page, pageSize int) ([]model.RawKillmail, bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	pages := f.pages[systemID]
	if page >= len(pages) {
		return nil, false, nil
	}
	return pages[page], page < len(pages)-1, nil
}

type fakeEnricher struct{}

func (fakeEnricher) Enrich(ctx context.Context, raw model.RawKillmail) model.EnrichedKillmail {
	return model.EnrichedKillmail{KillmailID: raw.KillmailID, SolarSystemID: raw.SolarSystemID, Time: raw.Time}
}

type fakeDeliverer struct {
	mu       sync.Mutex
	batches  [][]model.EnrichedKillmail
	progress []string
}

func (d *fakeDeliverer) DeliverBatch(sub model.Subscription, kills []model.EnrichedKillmail) {
	d.mu.Lock()
	d.batches = append(d.batches, kills)
	d.mu.Unlock()
}

func (d *fakeDeliverer) EmitProgress(sub model.Subscription, event string, detail map[string]any) {
	d.mu.Lock()
	d.progress = append(d.progress, event)
	d.mu.Unlock()
}

func (d *fakeDeliverer) totalDelivered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.batches {
		n += len(b)
	}
	return n
}

type unlimitedLimiter struct{}

func (unlimitedLimiter) TryAcquire(service string) bool { return true }

func rawKills(ids ...int64) []model.RawKillmail {
	out := make([]model.RawKillmail, len(ids))
	for i, id := range ids {
		out[i] = model.RawKillmail{KillmailID: id, SolarSystemID: 1, Time: time.Now()}
	}
	return out
}

func waitForCondition(t *testing.T, cond func() bool) {
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

func TestScheduleDeliversBatchesAndCompletes(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int64][][]model.RawKillmail{
		1: {rawKills(1, 2, 3)},
	}}
	deliverer := &fakeDeliverer{}
	s := New(Config{Enabled: true, DeliveryBatchSize: 2, DeliveryInterval: time.Millisecond, MaxConcurrent: 1}, fetcher, fakeEnricher{}, deliverer, unlimitedLimiter{}, clock.System, nil, nil)

	sub := model.Subscription{SubID: "s1", SubscriberID: "alice", SystemIDs: []int64{1}}
	s.Schedule(sub)

	waitForCondition(t, func() bool { return deliverer.totalDelivered() == 3 })

	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	if deliverer.progress[0] != "fetching" {
		t.Fatalf("expected first progress event to be fetching, got %v", deliverer.progress)
	}
	if deliverer.progress[len(deliverer.progress)-1] != "complete" {
		t.Fatalf("expected last progress event to be complete, got %v", deliverer.progress)
	}
}

func TestScheduleSkipsNoOpWhenDisabled(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int64][][]model.RawKillmail{1: {rawKills(1)}}}
	deliverer := &fakeDeliverer{}
	s := New(Config{Enabled: false}, fetcher, fakeEnricher{}, deliverer, unlimitedLimiter{}, clock.System, nil, nil)
	s.Schedule(model.Subscription{SubID: "s1", SystemIDs: []int64{1}})
	time.Sleep(20 * time.Millisecond)
	if deliverer.totalDelivered() != 0 {
		t.Fatal("expected no delivery when backfill is disabled")
	}
}

func TestScheduleFiltersKillsOlderThanSinceWindow(t *testing.T) {
	old := model.RawKillmail{KillmailID: 1, SolarSystemID: 1, Time: time.Now().Add(-1000 * time.Hour)}
	recent := model.RawKillmail{KillmailID: 2, SolarSystemID: 1, Time: time.Now()}
	fetcher := &fakeFetcher{pages: map[int64][][]model.RawKillmail{1: {{old, recent}}}}
	deliverer := &fakeDeliverer{}
	s := New(Config{Enabled: true, SinceHours: 168, DeliveryBatchSize: 10, DeliveryInterval: time.Millisecond}, fetcher, fakeEnricher{}, deliverer, unlimitedLimiter{}, clock.System, nil, nil)

	s.Schedule(model.Subscription{SubID: "s1", SystemIDs: []int64{1}})
	waitForCondition(t, func() bool { return deliverer.totalDelivered() == 1 })
}

func TestCancelStopsInFlightTask(t *testing.T) {
	var pageCalls int32
	fetcher := &fakeFetcher{pages: map[int64][][]model.RawKillmail{
		1: {rawKills(1), rawKills(2), rawKills(3), rawKills(4), rawKills(5)},
	}}
	deliverer := &fakeDeliverer{}
	s := New(Config{Enabled: true, DeliveryBatchSize: 1, DeliveryInterval: 50 * time.Millisecond}, fetcher, fakeEnricher{}, deliverer, unlimitedLimiter{}, clock.System, nil, nil)

	sub := model.Subscription{SubID: "s1", SystemIDs: []int64{1}}
	s.Schedule(sub)
	time.Sleep(10 * time.Millisecond)
	s.Cancel(sub.SubID)

	waitForCondition(t, func() bool {
		deliverer.mu.Lock()
		defer deliverer.mu.Unlock()
		for _, e := range deliverer.progress {
			if e == "failed" {
				return true
			}
		}
		return false
	})
	_ = pageCalls
}

func TestMaxConcurrentBoundsAdmission(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int64][][]model.RawKillmail{1: {rawKills(1)}}}
	deliverer := &fakeDeliverer{}
	s := New(Config{Enabled: true, MaxConcurrent: 1, DeliveryBatchSize: 1, DeliveryInterval: time.Millisecond}, fetcher, fakeEnricher{}, deliverer, unlimitedLimiter{}, clock.System, nil, nil)

	for i := 0; i < 3; i++ {
		s.Schedule(model.Subscription{SubID: string(rune('a' + i)), SystemIDs: []int64{1}})
	}
	waitForCondition(t, func() bool { return deliverer.totalDelivered() == 3 })
}
