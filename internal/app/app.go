// Package app wires the pipeline together: stores, queue, credential
// strategies, platform adapters, dispatcher, worker pool, producer,
// scheduler and the HTTP trigger API. Nothing here is a package-level
// singleton; every collaborator is built in New and passed down.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"crosspost/internal/alert"
	"crosspost/internal/config"
	"crosspost/internal/credential"
	"crosspost/internal/dedup"
	"crosspost/internal/dispatch"
	"crosspost/internal/eventbus"
	"crosspost/internal/httpapi"
	"crosspost/internal/media"
	"crosspost/internal/metrics"
	"crosspost/internal/platform"
	"crosspost/internal/producer"
	"crosspost/internal/queue"
	rtsup "crosspost/internal/runtime/supervisor"
	"crosspost/internal/scheduler"
	"crosspost/internal/storage"
	"crosspost/internal/worker"
	logx "crosspost/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store
	queue   queue.Queue
	nc      *nats.Conn
	tg      *alert.Telegram

	gate     *dedup.Gate
	producer *producer.Producer
	pool     *worker.Pool
	sched    *scheduler.Service
	alerts   *alert.Notifier
	http     *httpapi.Server
}

// New loads cfgPath and builds every component. Backends (storage, queue,
// NATS) are connected here so a bad DSN fails startup.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var (
		tg     *alert.Telegram
		sender logx.Sender
	)
	if tc, ok := mapTelegramConfig(cfg); ok {
		tg, err = alert.NewTelegram(tc)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}
	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		tg:      tg,
	}
	if err := a.openBackends(ctx, cfg); err != nil {
		a.closeBackends()
		logSvc.Close()
		return nil, err
	}

	creds := credential.NewManager(credential.NewDefaultRegistry(mapCredentialConfig(cfg), log), a.store, log)
	pubs := platform.NewDefaultRegistry(mapPlatformConfig(cfg), log)
	ms := media.NewStore(mapMediaConfig(cfg))
	disp := dispatch.New(a.store, creds, ms, pubs, log, dispatch.Options{
		Reduce:  mapReduce(cfg),
		Bus:     a.bus,
		Metrics: a.metrics,
	})

	a.pool = worker.New(mapWorkerConfig(cfg), a.queue, disp, log, a.bus, a.metrics)
	a.producer = producer.New(mapProducerConfig(cfg), a.store, a.queue, log, producer.WithBus(a.bus))
	a.gate = dedup.NewGate(mapDedupConfig(cfg), nil)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), log)
	if err := a.registerSchedules(cfg); err != nil {
		a.closeBackends()
		logSvc.Close()
		return nil, err
	}

	var alertSender alert.Sender
	if tg != nil {
		alertSender = tg
	}
	a.alerts = alert.New(mapAlertConfig(cfg), alertSender, a.bus, log)

	a.http = httpapi.NewServer(mapHTTPConfig(cfg), httpapi.Deps{
		Gate:      a.gate,
		Producer:  a.producer,
		Processor: a.pool,
		Queue:     a.queue,
		Metrics:   a.metrics,
		Extra:     a.extraStats,
	}, log)

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Parse already ran config.Validate; this adds checks that need the
	// components' own rules.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if hc := mapHTTPConfig(cfg); hc.Enabled {
			if err := httpapi.CheckBind(hc); err != nil {
				return err
			}
		}
		return nil
	})

	cfg := a.cfgm.Get()
	if cfg.HTTP.Enabled {
		if err := httpapi.CheckBind(mapHTTPConfig(cfg)); err != nil {
			return err
		}
	}

	if cfg.Worker.Enabled {
		a.pool.Start(runCtx)
	}
	if cfg.Scheduler.Enabled {
		a.sched.Start(runCtx)
	}
	a.http.Start(runCtx)

	a.sup.Go("alert", a.alerts.Run)
	if a.nc != nil {
		bridge := eventbus.NewBridge(a.bus, a.nc, cfg.Events.Prefix, a.log)
		a.sup.Go("events.nats", bridge.Run)
	}
	if a.log.Enabled(logx.LevelDebug) {
		a.sup.Go("events.log", a.logEvents)
	}

	reload := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(reload)
		a.reloadLoop(c, reload)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("queue", queueDriver(cfg)),
		logx.Bool("worker", cfg.Worker.Enabled),
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.Bool("http", cfg.HTTP.Enabled),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// extraStats feeds GET /api/queue/stats with scheduler and alert state.
func (a *App) extraStats() map[string]any {
	out := map[string]any{
		"scheduler": a.sched.Snapshot(),
		"alerts":    a.alerts.Stats(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeBackends()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Triggers go first so nothing new is enqueued, then the pool drains.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "worker", 10*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "backends", 2*time.Second, func(context.Context) error { a.closeBackends(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and by the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func queueDriver(cfg *config.Config) string {
	if d := cfg.Queue.Driver; d != "" {
		return d
	}
	return "sqlite"
}
