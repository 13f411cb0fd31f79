package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// TaskEngine sizes the worker pool that runs fired and forced modifiers.
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Executor   ExecutorConfig   `json:"executor"`
	Retention  RetentionConfig  `json:"retention"`
	Publish    PublishConfig    `json:"publish"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type TelegramConfig struct {
	// Token falls back to $BOT_TOKEN when empty.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// RatePerSec bounds outbound Bot API calls. 0 means the gateway default.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/deferbot.db" }
//	"storage": { "driver": "postgres" }   // dsn from $DATABASE_URL
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

// TaskEngineConfig controls the worker pool.
//
// Enabled is a pointer so an omitted block means enabled.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled; the executor carries its own)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type ExecutorConfig struct {
	// Timeout bounds one modifier run. Default "30s".
	Timeout string `json:"timeout,omitempty"`
}

// RetentionConfig controls the periodic purge of old rows.
// Enabled is a pointer so an omitted block means enabled.
type RetentionConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Window is a Go duration string. Default "2160h" (90 days).
	Window string `json:"window,omitempty"`
	// Schedule is a cron spec or descriptor. Default "@every 24h".
	Schedule string `json:"schedule,omitempty"`
}

type PublishConfig struct {
	Watermark WatermarkConfig `json:"watermark"`
}

// WatermarkConfig appends Text to every Every-th publish. Empty text disables it.
type WatermarkConfig struct {
	Text  string `json:"text,omitempty"`
	Every int    `json:"every,omitempty"`
}

// MetricsConfig controls the optional /metrics (+pprof) HTTP listener.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

// On reports a tri-state enabled flag; nil means def.
func On(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
