// Package backoff computes retry delays for re-enqueued jobs.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff with an upper bound and optional
// symmetric jitter. It is pure and stateless: NextDelay depends only on the
// attempt number (and the jitter source).
//
// Formula: min(Base * Factor^(attempt-1), Max), then ±JitterRange fraction
// (uniform) when Jitter is enabled.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	Jitter      bool
	JitterRange float64 // fraction, e.g. 0.25 for ±25%
}

// Default is the policy applied to retried jobs when none is configured.
var Default = Policy{
	Base:        2 * time.Second,
	Factor:      1.8,
	Max:         60 * time.Second,
	Jitter:      true,
	JitterRange: 0.25,
}

// NextDelay returns the delay before the attempt-th retry becomes eligible.
// Attempts count from 1; values below 1 are treated as 1.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	raw := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	capped := math.Min(raw, float64(p.Max))

	if p.Jitter && p.JitterRange > 0 {
		capped *= 1 + (rand.Float64()*2-1)*p.JitterRange
	}

	return time.Duration(capped)
}
