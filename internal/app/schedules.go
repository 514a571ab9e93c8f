package app

import (
	"context"
	"fmt"

	"crosspost/internal/config"
	"crosspost/internal/scheduler"
	logx "crosspost/pkg/logx"
)

// registerSchedules adds, replaces or removes the built-in triggers so the
// scheduler matches cfg. It is called at startup and on every reload.
func (a *App) registerSchedules(cfg *config.Config) error {
	timeout := schedulerTimeout(cfg)
	for _, e := range scheduleEntries {
		spec := e.spec(cfg.Scheduler)
		if spec == "" {
			if a.sched.Remove(e.name) {
				a.log.Info("schedule disabled", logx.String("name", e.name))
			}
			continue
		}
		if err := a.sched.Add(e.name, spec, timeout, a.scheduleJob(e.name, cfg)); err != nil {
			return fmt.Errorf("schedule %s: %w", e.name, err)
		}
	}
	return nil
}

func (a *App) scheduleJob(name string, cfg *config.Config) scheduler.Job {
	switch name {
	case "producer":
		// Scheduled runs are already spaced by their own spec, so they skip
		// the HTTP dedup gate.
		return func(ctx context.Context) error {
			n, err := a.producer.EnqueueDueJobs(ctx)
			result := "ok"
			if err != nil {
				result = "error"
			}
			a.metrics.Trigger("scheduler", result, n)
			return err
		}
	case "queue.promote":
		return func(ctx context.Context) error {
			if _, err := a.queue.PromoteDelayed(ctx); err != nil {
				return err
			}
			return a.refreshQueueGauge(ctx)
		}
	case "queue.requeue_stalled":
		return func(ctx context.Context) error {
			_, err := a.pool.RecoverStalled(ctx)
			return err
		}
	case "queue.prune":
		keep := retention(cfg)
		return func(ctx context.Context) error {
			n, err := a.queue.Prune(ctx, keep)
			if n > 0 {
				a.log.Info("queue pruned", logx.Int("jobs", n), logx.Duration("older_than", keep))
			}
			return err
		}
	}
	return nil
}

func (a *App) refreshQueueGauge(ctx context.Context) error {
	counts, err := a.queue.Counts(ctx)
	if err != nil {
		return err
	}
	byState := make(map[string]int, len(counts))
	for st, n := range counts {
		byState[string(st)] = n
	}
	a.metrics.SetQueueCounts(byState)
	return nil
}
