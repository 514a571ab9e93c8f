package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"crosspost/internal/scheduler"
)

// ScheduleOff disables a scheduler entry.
const ScheduleOff = "off"

// Validate checks cfg without touching the network. It reports every
// problem it finds, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch d := lower(cfg.Queue.Driver); d {
	case "", "sqlite", "sqlite3":
	case "redis":
		if strings.TrimSpace(cfg.Queue.DSN) == "" {
			add(errors.New("queue.dsn: required for the redis driver (or CROSSPOST_QUEUE_DSN)"))
		}
	default:
		add(fmt.Errorf("queue.driver: unknown driver %q", d))
	}
	if cfg.Queue.MaxAttempts < 0 {
		add(errors.New("queue.max_attempts: must be >= 0"))
	}
	if cfg.Queue.Jitter < 0 || cfg.Queue.Jitter > 1 {
		add(errors.New("queue.jitter: must be within [0, 1]"))
	}
	dur("queue.backoff_base", cfg.Queue.BackoffBase)
	dur("queue.backoff_max", cfg.Queue.BackoffMax)
	dur("queue.retention", cfg.Queue.Retention)

	switch d := lower(cfg.Storage.Driver); d {
	case "", "sqlite", "sqlite3":
	case "mongo", "mongodb":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for the mongo driver (or CROSSPOST_STORAGE_DSN)"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", d))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("storage.timeout", cfg.Storage.Timeout)

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	if cfg.Worker.Concurrency < 0 {
		add(errors.New("worker.concurrency: must be >= 0"))
	}
	dur("worker.poll_interval", cfg.Worker.PollInterval)
	dur("worker.job_timeout", cfg.Worker.JobTimeout)
	dur("worker.lease", cfg.Worker.Lease)
	if jt, _ := ParseDurationField("", cfg.Worker.JobTimeout); jt > 0 {
		if lease, _ := ParseDurationField("", cfg.Worker.Lease); lease > 0 && lease <= jt {
			add(errors.New("worker.lease: must exceed worker.job_timeout"))
		}
	}

	if cfg.Producer.BatchSize < 0 {
		add(errors.New("producer.batch_size: must be >= 0"))
	}
	if cfg.Dedup.DefaultInterval < 0 {
		add(errors.New("dedup.default_interval: must be >= 0"))
	}
	for src, n := range cfg.Dedup.Intervals {
		if n < 0 {
			add(fmt.Errorf("dedup.intervals.%s: must be >= 0", src))
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for _, e := range []struct{ path, raw string }{
		{"scheduler.producer", cfg.Scheduler.Producer},
		{"scheduler.promote", cfg.Scheduler.Promote},
		{"scheduler.requeue_stalled", cfg.Scheduler.RequeueStalled},
		{"scheduler.prune", cfg.Scheduler.Prune},
	} {
		raw := strings.TrimSpace(e.raw)
		if raw == "" || strings.EqualFold(raw, ScheduleOff) {
			continue
		}
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			add(fmt.Errorf("%s: %w", e.path, err))
		}
	}
	dur("scheduler.timeout", cfg.Scheduler.Timeout)

	dur("credentials.margin", cfg.Credentials.Margin)
	dur("credentials.probe_interval", cfg.Credentials.ProbeInterval)
	for name, p := range cfg.Providers {
		if !slices.Contains(KnownProviders, name) {
			add(fmt.Errorf("providers.%s: unknown provider (want one of %s)", name, strings.Join(KnownProviders, ", ")))
			continue
		}
		dur("providers."+name+".timeout", p.Timeout)
		if p.RatePerSec < 0 || p.Burst < 0 {
			add(fmt.Errorf("providers.%s: rate_per_sec and burst must be >= 0", name))
		}
	}

	dur("media.timeout", cfg.Media.Timeout)

	dur("alert.retry_base", cfg.Alert.RetryBase)
	dur("alert.dedup_window", cfg.Alert.DedupWindow)
	if cfg.Alert.Enabled || cfg.Logging.Telegram.Enabled {
		if strings.TrimSpace(cfg.Alert.Telegram.Token) == "" || cfg.Alert.Telegram.ChatID == 0 {
			add(errors.New("alert.telegram: token and chat_id are required when alerts or telegram logging are enabled"))
		}
	}

	return errors.Join(errs...)
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
