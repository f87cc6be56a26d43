package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker open after %d failures, threshold is 3", i+1)
		}
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("State() = %v after threshold failures, want Open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() = true while open within cooldown")
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})
	b.RecordFailure()

	if b.Allow() {
		t.Fatal("Allow() = true immediately after opening")
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("Allow() = false after cooldown, want half-open probe")
	}
	if b.State() != HalfOpen {
		t.Errorf("State() = %v, want HalfOpen", b.State())
	}
}

func TestBreaker_RecoversOnSuccess(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow() // half-open probe
	b.RecordSuccess()

	if b.State() != Closed {
		t.Errorf("State() = %v after success, want Closed", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("Failures() = %d after success, want 0", b.Failures())
	}
}

func TestBreaker_ReopensOnHalfOpenFailure(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow() // half-open probe
	b.RecordFailure()

	if b.State() != Open {
		t.Errorf("State() = %v after half-open failure, want Open", b.State())
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})

	a := r.Get("hosta")
	if got := r.Get("hosta"); got != a {
		t.Error("Get returned a different breaker for the same key")
	}

	r.Get("hostb").RecordFailure()

	stats := r.Stats()
	if stats.Total != 2 {
		t.Errorf("Stats().Total = %d, want 2", stats.Total)
	}
	if stats.Open != 1 {
		t.Errorf("Stats().Open = %d, want 1", stats.Open)
	}
}
