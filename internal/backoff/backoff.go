// Package backoff computes exponential retry delays with multiplicative jitter.
//
// The sync worker and the request governor each own a Policy with their own
// constants; they share only the formula
//
//	delay = min(Max, Base * 2^attempt) * jitter, jitter in [JitterLow, JitterHigh)
package backoff

import (
	"math/rand"
	"time"

	"golang.org/x/exp/constraints"
)

const (
	DefaultJitterLow  = 0.8
	DefaultJitterHigh = 1.2
)

type Policy struct {
	Base       time.Duration
	Max        time.Duration
	JitterLow  float64
	JitterHigh float64
	// Rand returns a value in [0.0, 1.0). Defaults to math/rand.
	Rand func() float64
}

// New returns a policy with the default +/-20% jitter band.
func New(base, max time.Duration) Policy {
	return Policy{
		Base:       base,
		Max:        max,
		JitterLow:  DefaultJitterLow,
		JitterHigh: DefaultJitterHigh,
	}
}

// Delay returns the wait before the retry that follows `attempt` prior failures.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	capped := p.ceiling(attempt)

	low, high := p.JitterLow, p.JitterHigh
	if low <= 0 && high <= 0 {
		low, high = DefaultJitterLow, DefaultJitterHigh
	}
	if high < low {
		low, high = high, low
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := low + r()*(high-low)
	return time.Duration(float64(capped) * factor)
}

// ceiling is min(Max, Base*2^attempt) without overflowing on large attempts.
func (p Policy) ceiling(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.Max > 0 {
		d = clamp(d, 0, p.Max)
	}
	return d
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
