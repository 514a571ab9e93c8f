package app

import (
	"strings"
	"time"

	"crosspost/internal/alert"
	"crosspost/internal/config"
	"crosspost/internal/credential"
	"crosspost/internal/dedup"
	"crosspost/internal/httpapi"
	"crosspost/internal/media"
	"crosspost/internal/model"
	"crosspost/internal/platform"
	"crosspost/internal/producer"
	"crosspost/internal/queue"
	"crosspost/internal/scheduler"
	"crosspost/internal/storage"
	"crosspost/internal/worker"
	logx "crosspost/pkg/logx"
)

// Durations below come out of config.Validate already checked, so the
// mappers fall back to defaults instead of returning errors.

const (
	defaultRetention    = 7 * 24 * time.Hour
	defaultSchedTimeout = 5 * time.Minute
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "crosspost.db"
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        path,
		DSN:         sc.DSN,
		Database:    sc.Database,
		BusyTimeout: config.Dur(sc.BusyTimeout, 5*time.Second),
		Timeout:     config.Dur(sc.Timeout, 10*time.Second),
	}
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	qc := cfg.Queue
	path := strings.TrimSpace(qc.Path)
	if path == "" {
		path = "crosspost-queue.db"
	}
	return queue.Config{
		Driver: qc.Driver,
		Path:   path,
		DSN:    qc.DSN,
		Prefix: qc.Prefix,
		Policy: queue.Policy{
			MaxAttempts: qc.MaxAttempts,
			Base:        config.Dur(qc.BackoffBase, 0),
			Max:         config.Dur(qc.BackoffMax, 0),
			Jitter:      qc.Jitter,
		},
	}
}

func retention(cfg *config.Config) time.Duration {
	return config.Dur(cfg.Queue.Retention, defaultRetention)
}

func mapReduce(cfg *config.Config) model.ReduceOptions {
	return model.ReduceOptions{CollapsePartial: cfg.Status.CollapsePartial}
}

func mapWorkerConfig(cfg *config.Config) worker.Config {
	wc := cfg.Worker
	return worker.Config{
		Concurrency:  wc.Concurrency,
		PollInterval: config.Dur(wc.PollInterval, 0),
		JobTimeout:   config.Dur(wc.JobTimeout, 0),
		Lease:        config.Dur(wc.Lease, 0),
		HistorySize:  wc.HistorySize,
	}
}

func mapProducerConfig(cfg *config.Config) producer.Config {
	return producer.Config{BatchSize: cfg.Producer.BatchSize, Reduce: mapReduce(cfg)}
}

func mapDedupConfig(cfg *config.Config) dedup.Config {
	return dedup.Config{DefaultInterval: cfg.Dedup.DefaultInterval, Intervals: cfg.Dedup.Intervals}
}

func schedulerTimeout(cfg *config.Config) time.Duration {
	return config.Dur(cfg.Scheduler.Timeout, defaultSchedTimeout)
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	hc := cfg.HTTP
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          hc.Addr,
		Secret:        hc.Secret,
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   config.Dur(hc.ReadTimeout, 15*time.Second),
		// A full batch of publishes can take a while.
		WriteTimeout:  config.Dur(hc.WriteTimeout, 5*time.Minute),
		IdleTimeout:   config.Dur(hc.IdleTimeout, 60*time.Second),
	}
}

func mapMediaConfig(cfg *config.Config) media.Config {
	return media.Config{
		Root:     cfg.Media.Root,
		Timeout:  config.Dur(cfg.Media.Timeout, 0),
		MaxBytes: cfg.Media.MaxBytes,
	}
}

func mapAlertConfig(cfg *config.Config) alert.Config {
	ac := cfg.Alert
	return alert.Config{
		Enabled:     ac.Enabled,
		RatePerSec:  ac.RatePerSec,
		RetryMax:    ac.RetryMax,
		RetryBase:   config.Dur(ac.RetryBase, 0),
		DedupWindow: config.Dur(ac.DedupWindow, time.Hour),
	}
}

func mapTelegramConfig(cfg *config.Config) (alert.TelegramConfig, bool) {
	tc := cfg.Alert.Telegram
	if strings.TrimSpace(tc.Token) == "" || tc.ChatID == 0 {
		return alert.TelegramConfig{}, false
	}
	return alert.TelegramConfig{
		Token:    tc.Token,
		ChatID:   tc.ChatID,
		ThreadID: tc.ThreadID,
		APIURL:   tc.APIURL,
	}, true
}

func clientConfig(p config.ProviderConfig, base string) platform.ClientConfig {
	return platform.ClientConfig{
		BaseURL:    base,
		Timeout:    config.Dur(p.Timeout, 0),
		RatePerSec: p.RatePerSec,
		Burst:      p.Burst,
	}
}

func mapPlatformConfig(cfg *config.Config) platform.Config {
	pc := func(name string) config.ProviderConfig { return cfg.Providers[name] }
	tw := pc(model.PlatformTwitter)
	return platform.Config{
		Twitter: platform.TwitterConfig{
			API:    clientConfig(tw, tw.APIBase),
			Upload: clientConfig(tw, tw.UploadBase),
		},
		LinkedIn:  platform.LinkedInConfig{API: clientConfig(pc(model.PlatformLinkedIn), pc(model.PlatformLinkedIn).APIBase)},
		Facebook:  platform.GraphConfig{API: clientConfig(pc(model.PlatformFacebook), pc(model.PlatformFacebook).APIBase)},
		Instagram: platform.GraphConfig{API: clientConfig(pc(model.PlatformInstagram), pc(model.PlatformInstagram).APIBase)},
		Threads:   platform.GraphConfig{API: clientConfig(pc(model.PlatformThreads), pc(model.PlatformThreads).APIBase)},
	}
}

func longLived(p config.ProviderConfig) credential.LongLivedConfig {
	return credential.LongLivedConfig{
		BaseURL:      p.APIBase,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Timeout:      config.Dur(p.Timeout, 0),
	}
}

func mapCredentialConfig(cfg *config.Config) credential.Config {
	tw := cfg.Providers[model.PlatformTwitter]
	return credential.Config{
		Margin:        config.Dur(cfg.Credentials.Margin, 5*time.Minute),
		ProbeInterval: config.Dur(cfg.Credentials.ProbeInterval, 0),
		Twitter: credential.OAuthConfig{
			ClientID:     tw.ClientID,
			ClientSecret: tw.ClientSecret,
			TokenURL:     tw.TokenURL,
			RedirectURL:  tw.RedirectURI,
		},
		Facebook:  longLived(cfg.Providers[model.PlatformFacebook]),
		Instagram: longLived(cfg.Providers[model.PlatformInstagram]),
		Threads:   longLived(cfg.Providers[model.PlatformThreads]),
	}
}

// scheduleEntry is one built-in trigger with its default spec.
type scheduleEntry struct {
	name string
	def  string
	raw  func(config.SchedulerConfig) string
}

var scheduleEntries = []scheduleEntry{
	{"producer", "@every 1m", func(c config.SchedulerConfig) string { return c.Producer }},
	{"queue.promote", "@every 5s", func(c config.SchedulerConfig) string { return c.Promote }},
	{"queue.requeue_stalled", "@every 30s", func(c config.SchedulerConfig) string { return c.RequeueStalled }},
	{"queue.prune", "@every 1h", func(c config.SchedulerConfig) string { return c.Prune }},
}

// spec returns the effective schedule, or "" when the entry is off.
func (e scheduleEntry) spec(c config.SchedulerConfig) string {
	raw := strings.TrimSpace(e.raw(c))
	switch {
	case raw == "":
		return e.def
	case strings.EqualFold(raw, config.ScheduleOff):
		return ""
	default:
		return raw
	}
}
