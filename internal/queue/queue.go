// Package queue is the durable job queue between the producer and the worker pool.
//
// Jobs are keyed by caller-chosen ids. Adding an id that is still live is a
// no-op, which is what makes repeated producer runs safe. A job moves through
//
//	waiting -> active -> completed
//	                  -> delayed -> waiting   (retryable failure)
//	                  -> failed               (discarded, exhausted or stalled)
//
// Two drivers are provided: sqlite (default) and redis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "crosspost/pkg/logx"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

var (
	ErrNotFound = errors.New("queue: job not found")
	// ErrNotActive is returned when Complete/Fail/Discard hit a job that is not
	// in a state that allows it, or when the caller's claim token no longer
	// matches because the lease expired and the job was claimed again.
	ErrNotActive = errors.New("queue: job not active")
)

// CauseStalled is recorded on jobs failed by RequeueStalled.
const CauseStalled = "stalled"

type Job struct {
	ID          string
	Data        []byte
	State       State
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LeaseUntil  time.Time
	// Token identifies the current claim. Fetch sets a fresh one; settling an
	// active job requires it.
	Token       string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  time.Time
}

type AddOptions struct {
	// MaxAttempts overrides the policy default when > 0.
	MaxAttempts int
	Delay       time.Duration
}

type Queue interface {
	// Add enqueues data under id. It returns false, with the existing job, when
	// a job with that id is waiting, active or delayed.
	Add(ctx context.Context, id string, data []byte, opts AddOptions) (Job, bool, error)
	// Fetch claims up to n waiting jobs for lease. Each returned job carries
	// the claim token Complete, Fail and Discard expect.
	Fetch(ctx context.Context, n int, lease time.Duration) ([]Job, error)
	Complete(ctx context.Context, id, token string) error
	// Fail records a retryable failure. final is true when the job ran out of
	// attempts and was moved to failed.
	Fail(ctx context.Context, id, token, cause string, retryAfter time.Duration) (final bool, err error)
	// Discard fails a job without retry. An active job needs its claim token;
	// a waiting or delayed one is discarded with an empty token.
	Discard(ctx context.Context, id, token, cause string) error
	PromoteDelayed(ctx context.Context) (int, error)
	// RequeueStalled returns active jobs whose lease expired to waiting. Jobs
	// without attempts left are failed and returned as dead.
	RequeueStalled(ctx context.Context) (requeued int, dead []Job, err error)
	// Prune deletes completed and failed jobs finished before now-olderThan.
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
	Counts(ctx context.Context) (map[State]int, error)
	Get(ctx context.Context, id string) (Job, error)
	Close() error
}

type Config struct {
	Driver string
	// Path is the sqlite file. DSN is a redis URL.
	Path   string
	DSN    string
	Prefix string
	Policy Policy
}

type options struct {
	now func() time.Time
	log logx.Logger
}

type Option func(*options)

// WithClock replaces time.Now. Tests use it to expire leases and delays.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(l logx.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, log: logx.Nop()}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return o
}

// Open builds the configured driver.
func Open(ctx context.Context, cfg Config, opts ...Option) (Queue, error) {
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg.Path, cfg.Policy, opts...)
	case "redis":
		return OpenRedis(ctx, cfg.DSN, cfg.Prefix, cfg.Policy, opts...)
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", d)
	}
}

// checkClaim reports ErrNotActive unless token holds the active job j.
func checkClaim(j Job, token string) error {
	if j.State != StateActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, j.ID, j.State)
	}
	if token == "" || j.Token != token {
		return fmt.Errorf("%w: %s was claimed again", ErrNotActive, j.ID)
	}
	return nil
}

func checkID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("queue: job id is required")
	}
	return nil
}
