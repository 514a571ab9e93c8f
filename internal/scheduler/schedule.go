package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "@hourly", "@every 1m"
//   - Interval duration: "30s", "2h30m"
//   - Interval HH:MM: "00:05" (5 minutes)
//
// The prefixes "cron:" and "every:" force one interpretation.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

// Spec renders the form registered with cron.
func (p ParsedSpec) Spec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	}

	if strings.HasPrefix(low, "@every") {
		d, err := parseInterval(s[len("@every"):])
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	}
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	if d, err := parseInterval(s); err == nil {
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	}
	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or duration like '1m')", raw)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		var hh int
		for i := 0; i < len(m[1]); i++ {
			hh = hh*10 + int(m[1][i]-'0')
		}
		mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '30s')", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
