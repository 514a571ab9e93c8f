package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a config duration. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Dur returns the parsed duration, or def when raw is empty, zero or
// invalid. Callers run Validate first, so invalid input does not reach it.
func Dur(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
