// Package scheduler fires the pipeline's periodic entries in process: the
// producer trigger and queue maintenance. Each entry is skip-if-running, so a
// slow run never stacks up behind itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "crosspost/pkg/logx"
)

// ErrOverlapSkip is returned by RunNow when the entry is already running.
var ErrOverlapSkip = errors.New("scheduler: previous run still in progress")

var ErrUnknownEntry = errors.New("scheduler: unknown entry")

const errorWarnThrottle = 30 * time.Second

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means UTC
}

type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	fails   atomic.Uint64

	mu       sync.Mutex
	lastRun  time.Time
	lastDur  time.Duration
	lastErr  string
	lastWarn time.Time
}

type EntryInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Skips    uint64        `json:"skips"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"lastRun,omitempty"`
	LastDur  time.Duration `json:"lastDuration,omitempty"`
	LastErr  string        `json:"lastError,omitempty"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled  bool        `json:"enabled"`
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Entries  []EntryInfo `json:"entries"`
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	loc     *time.Location
	parser  cron.Parser
	c       *cron.Cron
	ctx     context.Context
	entries []*entry
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional accepts both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers job under name, replacing any entry with the same name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: name required")
	}
	if job == nil {
		return errors.New("scheduler: job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	e := &entry{name: name, spec: ps, timeout: timeout, job: job}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.entries = append(s.entries, e)
	if s.c != nil {
		if err := s.registerLocked(e); err != nil {
			return err
		}
	}
	s.log.Debug("entry registered", logx.String("name", name), logx.String("spec", ps.Spec()), logx.Duration("timeout", timeout))
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, e := range s.entries {
		if e.name == name {
			if s.c != nil && e.entryID != 0 {
				s.c.Remove(e.entryID)
			}
			removed = true
			continue
		}
		s.entries[n] = e
		n++
	}
	for i := n; i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = s.entries[:n]
	return removed
}

func (s *Service) registerLocked(e *entry) error {
	ctx := s.ctx
	job := cron.FuncJob(func() { _ = s.run(ctx, e) })
	if e.spec.Kind == SpecInterval {
		sched := intervalWithSpread(e.spec.Every, time.Now().In(s.loc))
		e.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(e.spec.Cron, job)
	if err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	e.entryID = id
	return nil
}

// Apply updates the config. A timezone change restarts cron with every entry.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		<-s.c.Stop().Done()
		s.startLocked()
		s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
	}
}

// Start begins firing entries. Runs inherit ctx.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.entries)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		if err := s.registerLocked(e); err != nil {
			s.log.Error("entry register failed", logx.String("name", e.name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts triggering and waits for running entries or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.entries {
		e.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// RunNow runs the named entry synchronously, honoring the overlap gate.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var e *entry
	for _, it := range s.entries {
		if it.name == name {
			e = it
			break
		}
	}
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	return s.run(ctx, e)
}

func (s *Service) run(ctx context.Context, e *entry) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !e.running.CompareAndSwap(false, true) {
		e.skips.Add(1)
		s.log.Debug("entry skipped, previous run in progress", logx.String("name", e.name))
		return ErrOverlapSkip
	}
	defer e.running.Store(false)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("entry panicked", logx.String("name", e.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		e.runs.Add(1)
		e.mu.Lock()
		e.lastRun = start
		e.lastDur = time.Since(start)
		e.lastErr = ""
		if err != nil {
			e.lastErr = err.Error()
		}
		e.mu.Unlock()
		if err != nil {
			e.fails.Add(1)
			s.reportError(e, err)
		}
	}()
	return e.job(ctx)
}

// reportError throttles repeated warnings from the same entry.
func (s *Service) reportError(e *entry, err error) {
	now := time.Now()
	e.mu.Lock()
	if !e.lastWarn.IsZero() && now.Sub(e.lastWarn) < errorWarnThrottle {
		e.mu.Unlock()
		return
	}
	e.lastWarn = now
	e.mu.Unlock()
	s.log.Warn("entry failed", logx.String("name", e.name), logx.Err(err))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	c := s.c
	loc := s.loc
	entries := append([]*entry(nil), s.entries...)
	ids := make([]cron.EntryID, len(entries))
	for i, e := range entries {
		ids[i] = e.entryID
	}
	s.mu.Unlock()

	snap := Snapshot{Enabled: cfg.Enabled, Running: c != nil, Timezone: "UTC"}
	if loc != nil {
		snap.Timezone = loc.String()
	}
	for i, e := range entries {
		it := EntryInfo{
			Name:     e.name,
			Spec:     e.spec.Spec(),
			Timeout:  e.timeout,
			Running:  e.running.Load(),
			Runs:     e.runs.Load(),
			Skips:    e.skips.Load(),
			Failures: e.fails.Load(),
		}
		e.mu.Lock()
		it.LastRun, it.LastDur, it.LastErr = e.lastRun, e.lastDur, e.lastErr
		e.mu.Unlock()
		if c != nil && ids[i] != 0 {
			ce := c.Entry(ids[i])
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		snap.Entries = append(snap.Entries, it)
	}
	return snap
}
