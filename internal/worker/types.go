package worker

import (
	"context"
	"time"

	"crosspost/internal/model"
	"crosspost/internal/platform"
)

// Config controls the publish worker pool.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// JobTimeout bounds one Dispatch call.
	JobTimeout time.Duration
	// Lease is how long a fetched job stays claimed. It should exceed
	// JobTimeout so a slow but healthy job is not redelivered.
	Lease       time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.Lease <= c.JobTimeout {
		c.Lease = c.JobTimeout + 30*time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Dispatcher is what the pool runs for each job.
type Dispatcher interface {
	Dispatch(ctx context.Context, job model.PublishJob) (platform.Result, error)
	MarkFailed(ctx context.Context, job model.PublishJob, cause error) error
}

const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

// Outcome is the result of running one job.
type Outcome struct {
	JobID    string `json:"jobId"`
	Outcome  string `json:"outcome"`
	Kind     string `json:"kind,omitempty"`
	Error    string `json:"error,omitempty"`
	PostURL  string `json:"postUrl,omitempty"`
	Attempts int    `json:"attempts"`
}

type HistoryItem struct {
	JobID    string        `json:"jobId"`
	Outcome  string        `json:"outcome"`
	Kind     string        `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running     bool          `json:"running"`
	Workers     int           `json:"workers"`
	InFlight    int           `json:"inFlight"`
	Completed   uint64        `json:"completed"`
	Retried     uint64        `json:"retried"`
	Failed      uint64        `json:"failed"`
	Discarded   uint64        `json:"discarded"`
	Stalled     uint64        `json:"stalled"`
	JobTimeout  time.Duration `json:"jobTimeout"`
	Lease       time.Duration `json:"lease"`
	History     []HistoryItem `json:"history"`
	Supervision any           `json:"supervision,omitempty"`
}
