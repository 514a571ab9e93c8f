package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m") so JSON and YAML read the same way.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Queue     QueueConfig     `json:"queue"`
	Storage   StorageConfig   `json:"storage"`
	Worker    WorkerConfig    `json:"worker"`
	Producer  ProducerConfig  `json:"producer"`
	Dedup     DedupConfig     `json:"dedup"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Status    StatusConfig    `json:"status"`

	Credentials CredentialsConfig         `json:"credentials"`
	Providers   map[string]ProviderConfig `json:"providers,omitempty"`
	Media       MediaConfig               `json:"media"`

	Alert  AlertConfig  `json:"alert"`
	Events EventsConfig `json:"events"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	JSON     bool            `json:"json,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the alert chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the trigger endpoints.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8080").
//   - A non-loopback address needs a secret, or an explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Secret        string `json:"secret,omitempty"` // also CROSSPOST_CRON_SECRET (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// QueueConfig selects the job queue backend and its retry policy.
//
// Example:
//
//	"queue": { "driver": "redis", "dsn": "redis://localhost:6379/0" }
type QueueConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"` // sqlite file
	DSN    string `json:"dsn,omitempty"`  // redis URL, also CROSSPOST_QUEUE_DSN
	Prefix string `json:"prefix,omitempty"`

	MaxAttempts int     `json:"max_attempts,omitempty"`
	BackoffBase string  `json:"backoff_base,omitempty"`
	BackoffMax  string  `json:"backoff_max,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`

	// Retention is how long completed and failed jobs are kept.
	Retention string `json:"retention,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // mongo URI, also CROSSPOST_STORAGE_DSN
	Database    string `json:"database,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type WorkerConfig struct {
	// Enabled runs the background pool. With it off, jobs only run through
	// POST /api/jobs/process.
	Enabled      bool   `json:"enabled"`
	Concurrency  int    `json:"concurrency,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	JobTimeout   string `json:"job_timeout,omitempty"`
	Lease        string `json:"lease,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

type ProducerConfig struct {
	BatchSize int `json:"batch_size,omitempty"`
}

// DedupConfig sets the trigger dedup window per source in minutes.
// Intervals of 5 or less never skip.
type DedupConfig struct {
	DefaultInterval int            `json:"default_interval,omitempty"`
	Intervals       map[string]int `json:"intervals,omitempty"`
}

// SchedulerConfig controls the in-process triggers. Each entry is a cron
// expression ("cron:*/5 * * * *"), "@every 1m" or a plain interval ("30s").
// An empty entry keeps its default; "off" disables it.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	Producer       string `json:"producer,omitempty"`
	Promote        string `json:"promote,omitempty"`
	RequeueStalled string `json:"requeue_stalled,omitempty"`
	Prune          string `json:"prune,omitempty"`

	// Timeout bounds each scheduled run.
	Timeout string `json:"timeout,omitempty"`
}

type StatusConfig struct {
	// CollapsePartial reports a published/failed mix as completed instead of
	// partially_failed.
	CollapsePartial bool `json:"collapse_partial,omitempty"`
}

type CredentialsConfig struct {
	// Margin refreshes tokens that expire within it.
	Margin string `json:"margin,omitempty"`
	// ProbeInterval spaces liveness probes of long-lived tokens.
	ProbeInterval string `json:"probe_interval,omitempty"`
}

// ProviderConfig holds OAuth client settings and API endpoints for one
// platform. Secrets can come from CROSSPOST_<NAME>_CLIENT_ID and friends.
type ProviderConfig struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"` // do not log
	RedirectURI  string `json:"redirect_uri,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
	APIBase      string `json:"api_base,omitempty"`
	UploadBase   string `json:"upload_base,omitempty"` // twitter media upload

	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type MediaConfig struct {
	Root     string `json:"root,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

// AlertConfig sends reauth-required and given-up notices to a Telegram chat.
type AlertConfig struct {
	Enabled     bool           `json:"enabled"`
	RatePerSec  int            `json:"rate_per_sec,omitempty"`
	RetryMax    int            `json:"retry_max,omitempty"`
	RetryBase   string         `json:"retry_base,omitempty"`
	DedupWindow string         `json:"dedup_window,omitempty"`
	Telegram    TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // also CROSSPOST_TELEGRAM_TOKEN (do not log)
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// EventsConfig mirrors lifecycle events to NATS subjects <prefix>.<type>.
type EventsConfig struct {
	NATSURL string `json:"nats_url,omitempty"` // also CROSSPOST_NATS_URL
	Prefix  string `json:"prefix,omitempty"`
}
