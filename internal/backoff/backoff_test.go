package backoff

import (
	"testing"
	"time"
)

func TestDelay_DoublesEachAttempt(t *testing.T) {
	p := Jobs(0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{8, 256 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_Monotonic(t *testing.T) {
	p := Jobs(0)
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %v < Delay(%d) = %v", attempt, d, attempt-1, prev)
		}
		prev = d
	}
}

func TestDelay_CapsAtMax(t *testing.T) {
	p := Jobs(30 * time.Second)

	if got := p.Delay(10); got != 30*time.Second {
		t.Errorf("Delay(10) = %v, want %v (capped)", got, 30*time.Second)
	}
	if got := p.Delay(100); got != 30*time.Second {
		t.Errorf("Delay(100) = %v, want %v (capped)", got, 30*time.Second)
	}
}

func TestDelay_UncappedNeverNegative(t *testing.T) {
	p := Jobs(0)
	// Large attempt counts overflow the float math; the policy must still
	// return a sane positive duration.
	if got := p.Delay(200); got <= 0 {
		t.Errorf("Delay(200) = %v, want > 0", got)
	}
}

func TestDelay_DeliveryPolicy(t *testing.T) {
	p := Deliveries()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Minute},
		{2, 2 * time.Minute},
		{5, 16 * time.Minute},
		{7, 60 * time.Minute}, // 64m capped to 1h
		{20, time.Hour},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_JitterStaysWithinEnvelope(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 2, Cap: time.Minute, Jitter: true}
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			if d < 0 || d > time.Minute {
				t.Fatalf("Delay(%d) = %v outside [0, 1m]", attempt, d)
			}
		}
	}
}
