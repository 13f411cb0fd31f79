package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"deferbot/internal/config"
	"deferbot/internal/executor"
	"deferbot/internal/gateway"
	"deferbot/internal/observability/metrics"
	"deferbot/internal/publish"
	"deferbot/internal/retention"
	"deferbot/internal/storage"
	"deferbot/internal/task/engine"
	logx "deferbot/pkg/logx"
)

const defaultSQLitePath = "./data/deferbot.db"

// runtimeConfig is the typed form of config.Config.
type runtimeConfig struct {
	telegram  gateway.TelegramConfig
	logging   logx.Config
	groupLog  int64
	storage   storage.Config
	engine    engine.Config
	executor  executor.Config
	retention retention.Config
	publish   publish.Config
	metrics   metrics.ServerConfig
	owners    []int64
}

func mapConfig(cfg *config.Config) (runtimeConfig, error) {
	var rc runtimeConfig
	var err error
	if cfg == nil {
		return rc, fmt.Errorf("config is nil")
	}

	rc.telegram = gateway.TelegramConfig{Token: strings.TrimSpace(cfg.Telegram.Token), RatePerSec: cfg.Telegram.RatePerSec}
	if rc.telegram.PollTimeout, err = config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return rc, err
	}
	if rc.groupLog, err = parseGroupLog(cfg.Telegram.GroupLog); err != nil {
		return rc, err
	}
	rc.owners = append([]int64(nil), cfg.Telegram.OwnerUserIDs...)
	rc.logging = mapLogging(cfg.Logging)

	if rc.storage, err = mapStorage(cfg.Storage); err != nil {
		return rc, err
	}
	if rc.engine, err = mapEngine(cfg.TaskEngine); err != nil {
		return rc, err
	}
	if rc.executor.Timeout, err = config.ParseDurationOrDefault("executor.timeout", cfg.Executor.Timeout, 30*time.Second); err != nil {
		return rc, err
	}
	if rc.retention, err = mapRetention(cfg.Retention); err != nil {
		return rc, err
	}
	rc.publish = publish.Config{Watermark: publish.Watermark{
		Text:  strings.TrimSpace(cfg.Publish.Watermark.Text),
		Every: cfg.Publish.Watermark.Every,
	}}
	if rc.metrics, err = mapMetrics(cfg.Metrics); err != nil {
		return rc, err
	}
	return rc, nil
}

func mapLogging(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// parseGroupLog accepts an empty value (no log chat) or a numeric chat id.
func parseGroupLog(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: expected a numeric chat id, got %q", raw)
	}
	return id, nil
}

func mapStorage(sc config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultSQLitePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn, MaxConns: sc.MaxConns}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngine(tc config.TaskEngineConfig) (engine.Config, error) {
	timeout, err := config.ParseDurationField("task_engine.default_timeout", tc.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.Config{
		Enabled:        config.On(tc.Enabled, true),
		Workers:        tc.Workers,
		QueueSize:      tc.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    tc.HistorySize,
	}
	if ec.Workers <= 0 {
		ec.Workers = 4
	}
	if ec.QueueSize <= 0 {
		ec.QueueSize = 256
	}
	if ec.HistorySize <= 0 {
		ec.HistorySize = 200
	}
	return ec, nil
}

func mapRetention(rc config.RetentionConfig) (retention.Config, error) {
	window, err := config.ParseDurationOrDefault("retention.window", rc.Window, retention.DefaultWindow)
	if err != nil {
		return retention.Config{}, err
	}
	schedule := strings.TrimSpace(rc.Schedule)
	if schedule == "" {
		schedule = retention.DefaultSchedule
	}
	return retention.Config{Enabled: config.On(rc.Enabled, true), Window: window, Schedule: schedule}, nil
}

func mapMetrics(mc config.MetricsConfig) (metrics.ServerConfig, error) {
	read, err := config.ParseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 10*time.Second)
	if err != nil {
		return metrics.ServerConfig{}, err
	}
	// 0 keeps /debug/pprof/profile usable.
	write, err := config.ParseDurationField("metrics.write_timeout", mc.WriteTimeout)
	if err != nil {
		return metrics.ServerConfig{}, err
	}
	return metrics.ServerConfig{
		Enabled:       mc.Enabled,
		Addr:          strings.TrimSpace(mc.Addr),
		Pprof:         mc.Pprof,
		Token:         strings.TrimSpace(mc.Token),
		AllowInsecure: mc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}
