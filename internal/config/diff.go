package config

import (
	"reflect"
	"strings"

	logx "deferbot/pkg/logx"
)

// Change summarizes a reload for the log.
type Change struct {
	// Sections lists changed top-level keys in file order.
	Sections []string
	// Fields are safe to log; secrets are reported only as *_set booleans.
	Fields []logx.Field
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// live sections are re-applied by the running app.
var live = map[string]bool{"logging": true, "telegram.owners": true, "task_engine": true, "metrics": true}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
		if !live[section] {
			ch.Restart = append(ch.Restart, section)
		}
	}
	o, n := oldCfg, newCfg

	if !reflect.DeepEqual(o.Telegram.OwnerUserIDs, n.Telegram.OwnerUserIDs) {
		mark("telegram.owners", logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)))
	}
	if o.Telegram.Token != n.Telegram.Token ||
		trim(o.Telegram.PollTimeout) != trim(n.Telegram.PollTimeout) ||
		trim(o.Telegram.GroupLog) != trim(n.Telegram.GroupLog) ||
		o.Telegram.RatePerSec != n.Telegram.RatePerSec {
		mark("telegram",
			logx.Bool("telegram.token_changed", o.Telegram.Token != n.Telegram.Token),
			logx.String("telegram.poll_timeout", trim(n.Telegram.PollTimeout)),
			logx.Bool("telegram.group_log_set", trim(n.Telegram.GroupLog) != ""),
			logx.Int("telegram.rate_per_sec", n.Telegram.RatePerSec),
		)
	}

	if o.Logging != n.Logging {
		mark("logging",
			logx.String("logx.level", n.Logging.Level),
			logx.Bool("logx.console", n.Logging.Console),
			logx.Bool("logx.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", n.Logging.Telegram.Enabled),
		)
	}

	if o.Storage != n.Storage {
		mark("storage",
			logx.String("storage.driver", trim(n.Storage.Driver)),
			logx.String("storage.path", trim(n.Storage.Path)),
			logx.Bool("storage.dsn_set", trim(n.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(o.TaskEngine, n.TaskEngine) {
		mark("task_engine",
			logx.Bool("task_engine.enabled", On(n.TaskEngine.Enabled, true)),
			logx.Int("task_engine.workers", n.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", n.TaskEngine.QueueSize),
			logx.String("task_engine.default_timeout", trim(n.TaskEngine.DefaultTimeout)),
		)
	}

	if o.Executor != n.Executor {
		mark("executor", logx.String("executor.timeout", trim(n.Executor.Timeout)))
	}

	if !reflect.DeepEqual(o.Retention, n.Retention) {
		mark("retention",
			logx.Bool("retention.enabled", On(n.Retention.Enabled, true)),
			logx.String("retention.window", trim(n.Retention.Window)),
			logx.String("retention.schedule", trim(n.Retention.Schedule)),
		)
	}

	if o.Publish != n.Publish {
		mark("publish", logx.Int("publish.watermark_every", n.Publish.Watermark.Every))
	}

	// Token changes count even though the token itself is never logged.
	if o.Metrics != n.Metrics {
		mark("metrics",
			logx.Bool("metrics.enabled", n.Metrics.Enabled),
			logx.String("metrics.addr", trim(n.Metrics.Addr)),
			logx.Bool("metrics.pprof", n.Metrics.Pprof),
			logx.Bool("metrics.token_set", trim(n.Metrics.Token) != ""),
		)
	}
	return ch
}

func trim(s string) string { return strings.TrimSpace(s) }
