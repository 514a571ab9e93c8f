// Package worker runs publish jobs from the durable queue.
//
// Each executor fetches one job at a time, hands it to the dispatcher and
// settles it on the queue according to the error kind: success completes,
// terminal kinds discard, everything else goes back through the queue's
// retry policy. When the queue reports a job exhausted, the pool records the
// failure on the post through the dispatcher.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"crosspost/internal/eventbus"
	"crosspost/internal/joberr"
	"crosspost/internal/metrics"
	"crosspost/internal/model"
	"crosspost/internal/platform"
	"crosspost/internal/queue"
	logx "crosspost/pkg/logx"

	rtsup "crosspost/internal/runtime/supervisor"
)

type Pool struct {
	mu  sync.Mutex
	cfg Config
	q   queue.Queue
	d   Dispatcher
	log logx.Logger
	bus eventbus.Bus
	m   *metrics.Metrics

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight  atomic.Int32
	completed atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
	stalled   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, q queue.Queue, d Dispatcher, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg: cfg.withDefaults(),
		q:   q,
		d:   d,
		log: log.With(logx.String("comp", "worker")),
		bus: bus,
		m:   m,
	}
}

// Apply swaps the pool config. Running executors are restarted when the
// concurrency changes.
func (p *Pool) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	running := p.stopCh != nil && p.stopDone == nil
	p.mu.Unlock()
	if running && prev.Concurrency != cfg.Concurrency {
		p.Stop(ctx)
		p.Start(ctx)
	}
}

// Start launches the executors. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	cfg := p.cfg
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	for i := 0; i < cfg.Concurrency; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			p.executor(c, stopCh, cfg.PollInterval)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("executor exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	p.log.Info("worker pool started", logx.Int("workers", cfg.Concurrency), logx.Duration("job_timeout", cfg.JobTimeout))
}

// Stop cancels the executors and waits for in-flight jobs to settle or ctx to expire.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		p.mu.Lock()
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out", logx.Err(ctx.Err()))
	}
}

func (p *Pool) executor(ctx context.Context, stopCh <-chan struct{}, poll time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		ran, err := p.runNext(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("fetch failed", logx.Err(err))
		}
		if ran {
			continue
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (p *Pool) runNext(ctx context.Context) (bool, error) {
	p.mu.Lock()
	lease := p.cfg.Lease
	p.mu.Unlock()
	jobs, err := p.q.Fetch(ctx, 1, lease)
	if err != nil || len(jobs) == 0 {
		return false, err
	}
	p.execute(ctx, jobs[0])
	return true, nil
}

// ProcessBatch promotes due retries and requeues expired leases, then runs up
// to n jobs synchronously. Jobs are claimed one at a time, right before they
// run, so a lease only has to cover its own job.
func (p *Pool) ProcessBatch(ctx context.Context, n int) ([]Outcome, error) {
	if n <= 0 {
		return nil, nil
	}
	if _, err := p.q.PromoteDelayed(ctx); err != nil {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}
	if _, err := p.RecoverStalled(ctx); err != nil {
		return nil, fmt.Errorf("requeue stalled: %w", err)
	}
	p.mu.Lock()
	lease := p.cfg.Lease
	p.mu.Unlock()

	var out []Outcome
	for len(out) < n && ctx.Err() == nil {
		jobs, err := p.q.Fetch(ctx, 1, lease)
		if err != nil {
			if len(out) == 0 {
				return nil, fmt.Errorf("fetch: %w", err)
			}
			p.log.Warn("fetch failed; returning partial batch", logx.Int("processed", len(out)), logx.Err(err))
			break
		}
		if len(jobs) == 0 {
			break
		}
		out = append(out, p.execute(ctx, jobs[0]))
	}
	return out, nil
}

func (p *Pool) execute(ctx context.Context, j queue.Job) Outcome {
	start := time.Now()
	done := p.m.Begin()
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		done()
	}()

	out := Outcome{JobID: j.ID, Attempts: j.Attempts}
	var job model.PublishJob
	if err := json.Unmarshal(j.Data, &job); err != nil {
		out.Outcome = OutcomeDiscarded
		out.Error = "invalid payload: " + err.Error()
		if derr := p.q.Discard(ctx, j.ID, j.Token, out.Error); derr != nil {
			p.log.Warn("discard failed", logx.String("job", j.ID), logx.Err(derr))
		}
		p.finish(out, "", start)
		return out
	}
	log := p.log.With(logx.String("job", j.ID), logx.Int("attempt", j.Attempts))
	eventbus.Publish(p.bus, eventbus.JobStarted, p.event(j, job, nil, ""))

	p.mu.Lock()
	timeout := p.cfg.JobTimeout
	p.mu.Unlock()
	res, err := p.dispatch(ctx, job, timeout, log)

	switch {
	case err == nil:
		out.Outcome = OutcomeCompleted
		out.PostURL = res.URL
		p.settle(log, "complete", p.q.Complete(ctx, j.ID, j.Token))
		eventbus.Publish(p.bus, eventbus.JobCompleted, p.event(j, job, nil, res.URL))

	case joberr.IsTerminal(err):
		out.Outcome = OutcomeDiscarded
		p.settle(log, "discard", p.q.Discard(ctx, j.ID, j.Token, err.Error()))
		eventbus.Publish(p.bus, eventbus.JobDiscarded, p.event(j, job, err, ""))

	default:
		final, ferr := p.q.Fail(ctx, j.ID, j.Token, err.Error(), joberr.RetryAfterOf(err))
		p.settle(log, "fail", ferr)
		if ferr == nil && final {
			out.Outcome = OutcomeFailed
			if merr := p.d.MarkFailed(ctx, job, err); merr != nil {
				log.Error("record final failure", logx.Err(merr))
			}
			eventbus.Publish(p.bus, eventbus.JobFailed, p.event(j, job, err, ""))
		} else {
			out.Outcome = OutcomeRetry
			eventbus.Publish(p.bus, eventbus.JobRetry, p.event(j, job, err, ""))
		}
	}

	if err != nil {
		je := joberr.Classify(err)
		out.Kind = string(je.Kind)
		out.Error = je.Message
		if je.Kind == joberr.UnhandledException {
			log.Error("job raised unhandled exception", logx.Err(err))
		} else {
			log.Warn("job failed", logx.String("kind", out.Kind), logx.String("outcome", out.Outcome), logx.Err(err))
		}
	} else {
		log.Debug("job completed", logx.String("url", out.PostURL), logx.Duration("dur", time.Since(start)))
	}
	p.finish(out, job.Platform.PlatformName, start)
	return out
}

// dispatch runs one Dispatch call under the job timeout. A panic becomes
// UNHANDLED_EXCEPTION.
func (p *Pool) dispatch(ctx context.Context, job model.PublishJob, timeout time.Duration, log logx.Logger) (res platform.Result, err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = joberr.New(joberr.UnhandledException, "panic: %v", r)
		}
	}()
	res, err = p.d.Dispatch(runCtx, job)
	if err != nil {
		return platform.Result{}, joberr.Classify(err)
	}
	return res, nil
}

// settle logs queue bookkeeping errors. ErrNotActive means the lease ran out
// and the job was handed to someone else; the outcome stands for this run.
func (p *Pool) settle(log logx.Logger, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrNotActive):
		log.Warn("job lease lost before "+op, logx.Err(err))
	default:
		log.Error("queue "+op+" failed", logx.Err(err))
	}
}

// HandleStalled records the final failure of jobs the queue gave up on
// after their lease expired too many times.
func (p *Pool) HandleStalled(ctx context.Context, dead []queue.Job) {
	for _, j := range dead {
		var job model.PublishJob
		if err := json.Unmarshal(j.Data, &job); err != nil {
			p.log.Warn("stalled job has invalid payload", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		cause := joberr.New(joberr.ServiceError, "job stalled after %d attempts", j.Attempts)
		if err := p.d.MarkFailed(ctx, job, cause); err != nil {
			p.log.Error("record stalled failure", logx.String("job", j.ID), logx.Err(err))
		}
		p.stalled.Add(1)
		p.m.JobOutcome(model.NormalizePlatform(job.Platform.PlatformName), "stalled")
		eventbus.Publish(p.bus, eventbus.JobStalled, p.event(j, job, cause, ""))
		p.log.Warn("job stalled", logx.String("job", j.ID), logx.Int("attempts", j.Attempts))
	}
}

// RecoverStalled requeues expired leases and settles the dead ones.
func (p *Pool) RecoverStalled(ctx context.Context) (int, error) {
	n, dead, err := p.q.RequeueStalled(ctx)
	if err != nil {
		return 0, err
	}
	p.HandleStalled(ctx, dead)
	return n, nil
}

func (p *Pool) event(j queue.Job, job model.PublishJob, err error, url string) eventbus.JobEvent {
	e := eventbus.JobEvent{
		JobID:     j.ID,
		PostID:    job.ScheduledPostID,
		Platform:  job.Platform.PlatformName,
		AccountID: job.Platform.AccountID,
		Attempts:  j.Attempts,
		PostURL:   url,
	}
	if err != nil {
		je := joberr.Classify(err)
		e.Kind = string(je.Kind)
		e.Error = je.Message
		e.RetryAfter = je.RetryAfter
	}
	return e
}

func (p *Pool) finish(out Outcome, platform string, start time.Time) {
	switch out.Outcome {
	case OutcomeCompleted:
		p.completed.Add(1)
	case OutcomeRetry:
		p.retried.Add(1)
	case OutcomeFailed:
		p.failed.Add(1)
	case OutcomeDiscarded:
		p.discarded.Add(1)
	}
	p.m.JobOutcome(model.NormalizePlatform(platform), out.Outcome)

	item := HistoryItem{JobID: out.JobID, Outcome: out.Outcome, Kind: out.Kind, Error: out.Error, Started: start, Duration: time.Since(start)}
	p.mu.Lock()
	size := p.cfg.HistorySize
	p.mu.Unlock()
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > size {
		p.history = p.history[len(p.history)-size:]
	}
	p.hmu.Unlock()
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg := p.cfg
	running := p.stopCh != nil && p.stopDone == nil
	sup := p.sup
	p.mu.Unlock()

	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	snap := Snapshot{
		Running:    running,
		Workers:    cfg.Concurrency,
		InFlight:   int(p.inFlight.Load()),
		Completed:  p.completed.Load(),
		Retried:    p.retried.Load(),
		Failed:     p.failed.Load(),
		Discarded:  p.discarded.Load(),
		Stalled:    p.stalled.Load(),
		JobTimeout: cfg.JobTimeout,
		Lease:      cfg.Lease,
		History:    h,
	}
	if sup != nil {
		snap.Supervision = sup.Snapshot()
	}
	return snap
}
