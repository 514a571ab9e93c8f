package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"crosspost/internal/config"
	logx "crosspost/pkg/logx"
	"crosspost/pkg/systemd"
)

// Sections that only take effect after a restart.
var restartSections = []string{"storage", "credentials", "providers", "media", "events", "status"}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes the live-reloadable parts of next into the running components.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool { return slices.Contains(sections, name) }
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	if changed("queue") {
		pq, nq := prev.Queue, next.Queue
		pq.Retention, nq.Retention = "", ""
		if pq != nq {
			a.log.Warn("queue backend or retry policy changed; restart required for it to take effect")
		}
	}

	if changed("logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if changed("dedup") {
		a.gate.Apply(mapDedupConfig(next))
	}
	if changed("producer") {
		a.producer.Apply(mapProducerConfig(next))
	}
	if changed("alert") {
		a.alerts.Apply(mapAlertConfig(next))
		if _, ok := mapTelegramConfig(next); ok != (a.tg != nil) {
			a.log.Warn("alert telegram target changed; restart required for it to take effect")
		}
	}

	if changed("worker") {
		a.pool.Apply(ctx, mapWorkerConfig(next))
		switch {
		case prev.Worker.Enabled && !next.Worker.Enabled:
			a.log.Info("worker pool disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			a.pool.Stop(stopCtx)
			cancel()
		case !prev.Worker.Enabled && next.Worker.Enabled:
			a.log.Info("worker pool enabled via config")
			a.pool.Start(ctx)
		}
	}

	if changed("scheduler") || changed("queue") {
		a.sched.Apply(mapSchedulerConfig(next))
		if err := a.registerSchedules(next); err != nil {
			a.log.Warn("schedule update failed; keeping previous entries", logx.Err(err))
		}
		switch {
		case prev.Scheduler.Enabled && !next.Scheduler.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prev.Scheduler.Enabled && next.Scheduler.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if changed("http") {
		a.http.Reconfigure(ctx, mapHTTPConfig(next))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
