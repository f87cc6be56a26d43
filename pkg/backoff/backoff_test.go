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
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1600 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second}, // capped at max
		{8, 5 * time.Second},
	}

	for _, tt := range tests {
		got := Exponential(tt.attempt, nil)
		if got != tt.want {
			t.Errorf("Exponential(%d, nil) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CustomConfig(t *testing.T) {
	t.Parallel()

	// Job re-run delays use a coarser schedule than callback delivery.
	cfg := &Config{
		Initial: 5 * time.Second,
		Max:     time.Minute,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute}, // capped at max
	}

	for _, tt := range tests {
		got := Exponential(tt.attempt, cfg)
		if got != tt.want {
			t.Errorf("Exponential(%d, cfg) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_ZeroOrNegativeAttempt(t *testing.T) {
	t.Parallel()

	if got := Exponential(0, nil); got != 100*time.Millisecond {
		t.Errorf("Exponential(0, nil) = %v, want 100ms", got)
	}
	if got := Exponential(-1, nil); got != 100*time.Millisecond {
		t.Errorf("Exponential(-1, nil) = %v, want 100ms", got)
	}
}
