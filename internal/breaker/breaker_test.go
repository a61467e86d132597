package breaker

import (
	"errors"
	"testing"
	"time"

	"killfeed/broker/internal/apperr"
	"killfeed/broker/internal/clock"
)

func TestTripsAtExactThreshold(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	b := New(fc, 5, 30*time.Second, 5*time.Second)

	failing := func() error { return errors.New("boom") }
	for i := 0; i < 4; i++ {
		_ = b.Execute("svc", failing)
		if b.State("svc") != Closed {
			t.Fatalf("expected Closed after %d failures, got %v", i+1, b.State("svc"))
		}
	}
	_ = b.Execute("svc", failing)
	if b.State("svc") != Open {
		t.Fatalf("expected Open at exactly threshold failures, got %v", b.State("svc"))
	}
}

func TestOpenRejectsWithoutCallingFn(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	b := New(fc, 1, 30*time.Second, 5*time.Second)
	_ = b.Execute("svc", func() error { return errors.New("boom") })
	if b.State("svc") != Open {
		t.Fatal("expected breaker to trip after one failure with threshold 1")
	}

	called := false
	err := b.Execute("svc", func() error { called = true; return nil })
	if called {
		t.Error("expected fn not to be called while breaker is open")
	}
	if !apperr.Is(err, apperr.KindCircuitOpen) {
		t.Errorf("expected CircuitOpen error, got %v", err)
	}
}

func TestHalfOpenAfterCooldownAllowsProbe(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	b := New(fc, 1, 30*time.Second, 5*time.Second)
	_ = b.Execute("svc", func() error { return errors.New("boom") })

	fc.Advance(29 * time.Second)
	if b.State("svc") != Open {
		t.Fatal("expected breaker to remain open before cooldown elapses")
	}

	fc.Advance(2 * time.Second)
	if b.State("svc") != HalfOpen {
		t.Fatalf("expected HalfOpen after cooldown, got %v", b.State("svc"))
	}

	probed := false
	err := b.Execute("svc", func() error { probed = true; return nil })
	if !probed {
		t.Error("expected the probe call to reach fn")
	}
	if err != nil {
		t.Errorf("unexpected error from probe: %v", err)
	}
	if b.State("svc") != Closed {
		t.Errorf("expected Closed after successful probe, got %v", b.State("svc"))
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	b := New(fc, 1, 30*time.Second, 5*time.Second)
	_ = b.Execute("svc", func() error { return errors.New("boom") })
	fc.Advance(30 * time.Second)
	if b.State("svc") != HalfOpen {
		t.Fatal("expected HalfOpen after cooldown")
	}
	_ = b.Execute("svc", func() error { return errors.New("still failing") })
	if b.State("svc") != Open {
		t.Errorf("expected Open after half-open probe failure, got %v", b.State("svc"))
	}
}

func TestForceOpenAndForceClose(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	b := New(fc, 5, 30*time.Second, 5*time.Second)
	b.ForceOpen("svc")
	if b.State("svc") != Open {
		t.Fatal("expected forced open state")
	}
	b.ForceClose("svc")
	if b.State("svc") != Closed {
		t.Fatal("expected forced closed state")
	}
}
