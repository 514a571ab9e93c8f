package dedup

import (
	"fmt"
	"testing"
	"time"
)

func TestShouldSkipExhaustive(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, interval := range []int{2, 3, 5, 7, 10, 15, 30, 60} {
		for _, source := range []string{"cron", "webhook"} {
			for minute := 0; minute < 60; minute++ {
				now := base.Add(time.Duration(minute) * time.Minute)
				want := minute%interval != 0
				if got := ShouldSkip(source, interval, now); got != want {
					t.Fatalf("ShouldSkip(%s, %d) at minute %d = %v, want %v", source, interval, minute, got, want)
				}
			}
		}
	}
}

func TestShouldSkipSmallIntervalsNeverSkip(t *testing.T) {
	t.Parallel()
	for _, interval := range []int{-1, 0, 1} {
		for minute := 0; minute < 60; minute++ {
			now := time.Date(2026, 3, 1, 10, minute, 0, 0, time.UTC)
			if ShouldSkip("cron", interval, now) {
				t.Fatalf("interval %d skipped minute %d", interval, minute)
			}
		}
	}
}

func TestGatePerSourceInterval(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	g := NewGate(Config{DefaultInterval: 1, Intervals: map[string]int{"Cron": 10}}, func() time.Time { return now })

	tests := []struct {
		source string
		skip   bool
	}{
		{"cron", true},
		{" CRON ", true},
		{"webhook", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.source), func(t *testing.T) {
			if got := g.ShouldSkip(tt.source); got != tt.skip {
				t.Fatalf("ShouldSkip(%q) = %v, want %v", tt.source, got, tt.skip)
			}
		})
	}

	g.Apply(Config{DefaultInterval: 5})
	if g.ShouldSkip("cron") {
		t.Fatal("minute 5 with interval 5 should pass after Apply")
	}
}
