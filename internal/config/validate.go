package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
)

// Env names read as fallbacks for empty config values.
const (
	EnvBotToken    = "BOT_TOKEN"
	EnvDatabaseURL = "DATABASE_URL"
)

// ApplyEnv fills empty secrets from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		c.Telegram.Token = strings.TrimSpace(getenv(EnvBotToken))
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		c.Storage.DSN = strings.TrimSpace(getenv(EnvDatabaseURL))
	}
}

// Validate checks cross-field constraints that strict decoding cannot.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range [][2]string{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"task_engine.default_timeout", c.TaskEngine.DefaultTimeout},
		{"executor.timeout", c.Executor.Timeout},
		{"retention.window", c.Retention.Window},
		{"metrics.read_timeout", c.Metrics.ReadTimeout},
		{"metrics.write_timeout", c.Metrics.WriteTimeout},
	} {
		_, err := ParseDurationField(d[0], d[1])
		add(err)
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token: required (or set $" + EnvBotToken + ")"))
	}
	if c.Telegram.RatePerSec < 0 {
		add(errors.New("telegram.rate_per_sec: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "memory":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres (or set $" + EnvDatabaseURL + ")"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if c.TaskEngine.Workers < 0 || c.TaskEngine.QueueSize < 0 || c.TaskEngine.HistorySize < 0 {
		add(errors.New("task_engine: sizes must be >= 0"))
	}
	if spec := strings.TrimSpace(c.Retention.Schedule); spec != "" {
		p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := p.Parse(spec); err != nil {
			add(fmt.Errorf("retention.schedule: %w", err))
		}
	}
	if c.Publish.Watermark.Every < 0 {
		add(errors.New("publish.watermark.every: must be >= 0"))
	}
	return errors.Join(errs...)
}
