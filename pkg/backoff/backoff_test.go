package backoff

import (
	"testing"
	"time"
)

func TestExponential_Defaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, 5 * time.Second}, // capped
	}

	for _, tt := range tests {
		if got := Exponential(tt.attempt, nil); got != tt.want {
			t.Errorf("Exponential(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CustomConfig(t *testing.T) {
	t.Parallel()
	cfg := &Config{Initial: time.Second, Max: 3 * time.Second}

	if got := Exponential(1, cfg); got != time.Second {
		t.Errorf("Expected 1s, got %s", got)
	}
	if got := Exponential(2, cfg); got != 2*time.Second {
		t.Errorf("Expected 2s, got %s", got)
	}
	if got := Exponential(5, cfg); got != 3*time.Second {
		t.Errorf("Expected cap 3s, got %s", got)
	}
}

func TestExponential_Jitter(t *testing.T) {
	t.Parallel()
	cfg := &Config{Initial: time.Second, Max: 10 * time.Second, Jitter: true}

	for range 100 {
		got := Exponential(2, cfg)
		if got < time.Second || got > 2*time.Second {
			t.Fatalf("Jittered delay %s outside [1s, 2s]", got)
		}
	}
}
