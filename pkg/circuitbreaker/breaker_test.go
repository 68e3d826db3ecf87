package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	if !b.Allow() {
		t.Fatal("New breaker should allow requests")
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Error("Breaker opened below threshold")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Error("Breaker should open at threshold")
	}
	if b.Allow() {
		t.Error("Open breaker should block requests")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	if b.Failures() != 0 {
		t.Errorf("Expected 0 failures after success, got %d", b.Failures())
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	if b.State() != Open {
		t.Fatal("Breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("Expected probe after cooldown")
	}
	if b.State() != HalfOpen {
		t.Errorf("Expected half-open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("Only one probe should be allowed while half-open")
	}
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Parallel()

	t.Run("success closes", func(t *testing.T) {
		t.Parallel()
		b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})
		b.RecordFailure()
		time.Sleep(20 * time.Millisecond)
		b.Allow()
		b.RecordSuccess()
		if b.State() != Closed {
			t.Errorf("Expected closed after probe success, got %s", b.State())
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		t.Parallel()
		b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})
		b.RecordFailure()
		time.Sleep(20 * time.Millisecond)
		b.Allow()
		b.RecordFailure()
		if b.State() != Open {
			t.Errorf("Expected open after probe failure, got %s", b.State())
		}
		if b.Allow() {
			t.Error("Re-opened breaker should block requests")
		}
	})
}

func TestBreaker_DefaultConfig(t *testing.T) {
	t.Parallel()
	b := New(Config{})
	if b.cfg.Threshold != 5 || b.cfg.Cooldown != 30*time.Second {
		t.Errorf("Unexpected defaults: %+v", b.cfg)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})

	a := r.Get("api.render.example")
	if a != r.Get("api.render.example") {
		t.Error("Expected same breaker for same key")
	}
	if a == r.Get("other.example") {
		t.Error("Expected different breaker for different key")
	}

	a.RecordFailure()
	stats := r.Stats()
	if stats.Total != 2 || stats.Open != 1 || stats.Closed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	r.Reset()
	if r.Stats().Open != 0 {
		t.Error("Expected no open breakers after reset")
	}
}
