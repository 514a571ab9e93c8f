package config

import (
	"reflect"
	"sort"
	"strings"

	logx "crosspost/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets are reported only as *_set flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.Secret, nh.Secret = "", ""
	section("http", oh != nh || oldCfg.HTTP.Secret != newCfg.HTTP.Secret,
		logx.Bool("http.enabled", newCfg.HTTP.Enabled),
		logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		logx.Bool("http.secret_set", setness(newCfg.HTTP.Secret)),
		logx.Bool("http.pprof", newCfg.HTTP.Pprof),
	)

	oq, nq := oldCfg.Queue, newCfg.Queue
	oq.DSN, nq.DSN = "", ""
	section("queue", oq != nq || oldCfg.Queue.DSN != newCfg.Queue.DSN,
		logx.String("queue.driver", newCfg.Queue.Driver),
		logx.Bool("queue.dsn_set", setness(newCfg.Queue.DSN)),
		logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
	)

	ost, nst := oldCfg.Storage, newCfg.Storage
	ost.DSN, nst.DSN = "", ""
	section("storage", ost != nst || oldCfg.Storage.DSN != newCfg.Storage.DSN,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.dsn_set", setness(newCfg.Storage.DSN)),
	)

	section("worker", oldCfg.Worker != newCfg.Worker,
		logx.Bool("worker.enabled", newCfg.Worker.Enabled),
		logx.Int("worker.concurrency", newCfg.Worker.Concurrency),
		logx.String("worker.job_timeout", newCfg.Worker.JobTimeout),
	)
	section("producer", oldCfg.Producer != newCfg.Producer,
		logx.Int("producer.batch_size", newCfg.Producer.BatchSize),
	)
	section("dedup", !reflect.DeepEqual(oldCfg.Dedup, newCfg.Dedup),
		logx.Int("dedup.default_interval", newCfg.Dedup.DefaultInterval),
		logx.Int("dedup.sources", len(newCfg.Dedup.Intervals)),
	)
	section("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		logx.String("scheduler.producer", newCfg.Scheduler.Producer),
	)
	section("status", oldCfg.Status != newCfg.Status,
		logx.Bool("status.collapse_partial", newCfg.Status.CollapsePartial),
	)
	section("credentials", oldCfg.Credentials != newCfg.Credentials,
		logx.String("credentials.margin", newCfg.Credentials.Margin),
	)

	if names := diffProviders(oldCfg.Providers, newCfg.Providers); len(names) > 0 {
		changed = append(changed, "providers")
		attrs = append(attrs, logx.Strings("providers.changed", names))
	}

	section("media", oldCfg.Media != newCfg.Media,
		logx.Bool("media.root_set", setness(newCfg.Media.Root)),
	)

	oa, na := oldCfg.Alert, newCfg.Alert
	oa.Telegram.Token, na.Telegram.Token = "", ""
	section("alert", oa != na || oldCfg.Alert.Telegram.Token != newCfg.Alert.Telegram.Token,
		logx.Bool("alert.enabled", newCfg.Alert.Enabled),
		logx.Bool("alert.telegram_token_set", setness(newCfg.Alert.Telegram.Token)),
	)
	section("events", oldCfg.Events != newCfg.Events,
		logx.Bool("events.nats_set", setness(newCfg.Events.NATSURL)),
	)

	sort.Strings(changed)
	return changed, attrs
}

func setness(s string) bool { return strings.TrimSpace(s) != "" }

func diffProviders(oldM, newM map[string]ProviderConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
