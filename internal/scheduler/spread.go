package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 10 * time.Second

// spreadSchedule delays the first run of an interval schedule by a random
// fraction so entries registered together do not fire on the same tick.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func intervalWithSpread(every time.Duration, now time.Time) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread) / 2
	if spread <= 0 {
		return base
	}
	return &spreadSchedule{base: base, first: now.Add(every + rand.N(spread))}
}
