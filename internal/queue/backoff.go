package queue

import (
	"math/rand/v2"
	"time"
)

// Policy controls attempts and retry spacing.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	// Jitter is a +/- fraction applied to every delay. 0 disables it.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: 5 * time.Second, Max: 5 * time.Minute, Jitter: 0.2}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before the next attempt after attempt failures.
// A positive hint (e.g. Retry-After) replaces the exponential step.
func (p Policy) Delay(attempt int, hint time.Duration) time.Duration {
	p = p.withDefaults()
	var d time.Duration
	if hint > 0 {
		d = min(hint, p.Max)
	} else {
		d = p.Base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= p.Max {
				d = p.Max
				break
			}
		}
	}
	if p.Jitter > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return max(0, min(d, p.Max))
}
