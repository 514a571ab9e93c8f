// Package dedup sheds redundant trigger invocations.
//
// Several external schedulers may hit the trigger endpoint within the same
// minute. The gate lets a run through only on minutes divisible by the
// configured interval. It is a load-shedding step only: producer runs are
// safe to repeat because the queue and status writes are idempotent.
package dedup

import (
	"strings"
	"sync"
	"time"
)

// ShouldSkip reports whether a trigger from source at now should be skipped.
// It is true unless now's minute is divisible by intervalMinutes.
// An interval of 1 or less never skips. The source does not affect the
// result; callers pass it for symmetry with Gate.ShouldSkip.
func ShouldSkip(_ string, intervalMinutes int, now time.Time) bool {
	if intervalMinutes <= 1 {
		return false
	}
	return now.Minute()%intervalMinutes != 0
}

// Config maps trigger sources to intervals, in minutes.
type Config struct {
	DefaultInterval int
	Intervals       map[string]int
}

// Gate binds a Config and a clock. Apply may swap the config at runtime.
type Gate struct {
	mu  sync.RWMutex
	cfg Config
	now func() time.Time
}

func NewGate(cfg Config, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{cfg: normalize(cfg), now: now}
}

func (g *Gate) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = normalize(cfg)
	g.mu.Unlock()
}

// Interval returns the interval in minutes configured for source.
func (g *Gate) Interval(source string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if v, ok := g.cfg.Intervals[normSource(source)]; ok {
		return v
	}
	return g.cfg.DefaultInterval
}

func (g *Gate) ShouldSkip(source string) bool {
	return ShouldSkip(source, g.Interval(source), g.now())
}

func normalize(cfg Config) Config {
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 1
	}
	m := make(map[string]int, len(cfg.Intervals))
	for k, v := range cfg.Intervals {
		m[normSource(k)] = v
	}
	cfg.Intervals = m
	return cfg
}

func normSource(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
