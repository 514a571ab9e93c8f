package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "crosspost/pkg/logx"
)

// Supervisor owns a group of named goroutines that share one context.
// It recovers panics, can restart long-running loops with backoff, and
// keeps per-name stats for the /api/queue/stats view.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started uint64
	active  int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*gorStats
}

type Option func(*Supervisor)

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates every goroutine started under the same name.
type GoroutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type gorStats struct {
	GoroutineStats
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first non-nil error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*gorStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
	}}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	gs := make([]GoroutineStats, 0, len(s.stats))
	for _, st := range s.stats {
		gs = append(gs, st.GoroutineStats)
	}
	s.mu.Unlock()

	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Active != gs[j].Active {
			return gs[i].Active > gs[j].Active
		}
		return gs[i].Name < gs[j].Name
	})
	snap.Goroutines = gs
	return snap
}

func (s *Supervisor) stat(name string) *gorStats {
	st := s.stats[name]
	if st == nil {
		st = &gorStats{GoroutineStats{Name: name}}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.stat(name)
	st.Started++
	if restart {
		st.Restarts++
	}
	st.Active++
	st.LastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	s.mu.Lock()
	st := s.stat(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastRuntime = time.Since(startedAt)
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string, p any) {
	s.mu.Lock()
	st := s.stat(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(p)
	s.mu.Unlock()
}

// Go runs fn once under the supervisor. Panics are converted to errors.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		startedAt := s.noteStart(name, false)
		defer func() {
			if r := recover(); r != nil {
				s.notePanic(name, r)
				err := fmt.Errorf("panic in %s: %v", name, r)
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				s.noteStop(name, startedAt, err)
				s.fail(err)
			}
		}()

		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err)
			s.fail(err)
			return
		}
		s.noteStop(name, startedAt, nil)
	}()
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithPublishFirstError records the first failure in Err while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// GoRestart runs fn and restarts it after an error or panic until the context is canceled.
// A nil return is a clean stop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go(name+".restart", func(ctx context.Context) error {
		backoff := cfg.minBackoff
		restarts := 0
		for {
			if ctx.Err() != nil {
				return nil
			}
			startedAt := s.noteStart(name, restarts > 0)

			err, pan, stack := func() (err error, pan any, stack string) {
				defer func() {
					if r := recover(); r != nil {
						pan = r
						stack = string(debug.Stack())
					}
				}()
				return fn(ctx), nil, ""
			}()
			if pan != nil {
				s.notePanic(name, pan)
				s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
				err = fmt.Errorf("panic: %v", pan)
			}

			// Returning during shutdown is a clean stop, whatever fn reported.
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, startedAt, nil)
				return nil
			}

			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err)
			if cfg.publishFirstErr {
				s.setErr(err)
			}

			restarts++
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := min(max(backoff, cfg.minBackoff), cfg.maxBackoff)
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
