package backoff

import (
	"math"
	"testing"
	"time"
)

func TestNextDelayGrowth(t *testing.T) {
	p := Policy{
		Base:   2 * time.Second,
		Factor: 1.8,
		Max:    60 * time.Second,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, time.Duration(2 * 1.8 * float64(time.Second))},
		{5, time.Duration(2 * math.Pow(1.8, 4) * float64(time.Second))}, // ≈ 21s
	}

	for _, tt := range tests {
		got := p.NextDelay(tt.attempt)
		if diff := got - tt.want; diff < -time.Millisecond || diff > time.Millisecond {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNextDelayCap(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Factor: 1.8, Max: 60 * time.Second}

	if got := p.NextDelay(50); got != 60*time.Second {
		t.Errorf("NextDelay(50) = %v, want cap %v", got, 60*time.Second)
	}
}

func TestNextDelayLowAttempts(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Max: time.Minute}

	// Attempts below 1 clamp to the first delay.
	if got := p.NextDelay(0); got != time.Second {
		t.Errorf("NextDelay(0) = %v, want %v", got, time.Second)
	}
	if got := p.NextDelay(-3); got != time.Second {
		t.Errorf("NextDelay(-3) = %v, want %v", got, time.Second)
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	p := Policy{
		Base:        10 * time.Second,
		Factor:      2,
		Max:         time.Minute,
		Jitter:      true,
		JitterRange: 0.25,
	}

	lo := time.Duration(float64(10*time.Second) * 0.75)
	hi := time.Duration(float64(10*time.Second) * 1.25)

	for range 200 {
		got := p.NextDelay(1)
		if got < lo || got > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}
