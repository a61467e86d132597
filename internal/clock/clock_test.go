package clock

import (
	"testing"
	"time"
)

func TestFixedClockAdvance(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFixed(base)
	if got := c.Now(); !got.Equal(base) {
		t.Fatalf("expected %v, got %v", base, got)
	}
	c.Advance(5 * time.Second)
	if got := c.Now(); !got.Equal(base.Add(5 * time.Second)) {
		t.Fatalf("expected advanced time, got %v", got)
	}
}

func TestFixedClockSetAndMillis(t *testing.T) {
	c := NewFixed(time.Unix(0, 0))
	target := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	c.Set(target)
	if got := c.NowMillis(); got != target.UnixMilli() {
		t.Fatalf("expected %d, got %d", target.UnixMilli(), got)
	}
}

func TestSystemClockMonotonicEnough(t *testing.T) {
	first := System.Now()
	time.Sleep(time.Millisecond)
	second := System.Now()
	if !second.After(first) && !second.Equal(first) {
		t.Fatalf("expected system clock to progress, got %v then %v", first, second)
	}
}
