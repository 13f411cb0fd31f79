package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "telegram": {"token": "123:abc", "owner_user_ids": [7], "poll_timeout": "10s"},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/deferbot.db"},
  "task_engine": {"workers": 2},
  "retention": {"window": "720h", "schedule": "@every 24h"},
  "publish": {"watermark": {"text": "via @deferbot", "every": 2}}
}`

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [7]
storage:
  driver: memory
executor:
  timeout: 15s
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestManager(path string, env map[string]string) *Manager {
	m := NewManager(path)
	m.getenv = func(k string) string { return env[k] }
	return m
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeFile(t, "config.json", sampleJSON), nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.OwnerUserIDs) != 1 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Publish.Watermark.Every != 2 {
		t.Fatalf("watermark.every = %d, want 2", cfg.Publish.Watermark.Every)
	}
	if !On(cfg.TaskEngine.Enabled, true) {
		t.Fatalf("task_engine should default to enabled")
	}
	if m.Get() != cfg {
		t.Fatalf("Get() did not return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeFile(t, "config.yaml", sampleYAML), nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage.driver = %q, want memory", cfg.Storage.Driver)
	}
	if cfg.Executor.Timeout != "15s" {
		t.Fatalf("executor.timeout = %q, want 15s", cfg.Executor.Timeout)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown field": `{"telegram": {"token": "x", "bogus": 1}}`,
		"trailing data": `{"telegram": {"token": "x"}} {}`,
		"bad type":      `{"task_engine": {"workers": "four"}}`,
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode("config.json", []byte(body)); err == nil {
				t.Fatalf("Decode(%s) error = nil, want error", body)
			}
		})
	}
}

func TestEnvFallback(t *testing.T) {
	t.Parallel()
	body := `{"storage": {"driver": "postgres"}}`
	env := map[string]string{EnvBotToken: " 999:env ", EnvDatabaseURL: "postgres://u@h/db"}
	cfg, err := newTestManager(writeFile(t, "config.json", body), env).Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Telegram.Token != "999:env" {
		t.Fatalf("token = %q, want 999:env", cfg.Telegram.Token)
	}
	if cfg.Storage.DSN != "postgres://u@h/db" {
		t.Fatalf("dsn = %q", cfg.Storage.DSN)
	}

	// Explicit values win over the environment.
	body = `{"telegram": {"token": "file"}, "storage": {"driver": "postgres", "dsn": "postgres://file"}}`
	cfg, err = newTestManager(writeFile(t, "config.json", body), env).Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Telegram.Token != "file" || cfg.Storage.DSN != "postgres://file" {
		t.Fatalf("env overrode file values: %q %q", cfg.Telegram.Token, cfg.Storage.DSN)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing token", Config{}, "telegram.token"},
		{"postgres without dsn", Config{Telegram: TelegramConfig{Token: "t"}, Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"unknown driver", Config{Telegram: TelegramConfig{Token: "t"}, Storage: StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"bad duration", Config{Telegram: TelegramConfig{Token: "t"}, Executor: ExecutorConfig{Timeout: "soon"}}, "executor.timeout"},
		{"bad schedule", Config{Telegram: TelegramConfig{Token: "t"}, Retention: RetentionConfig{Schedule: "every day"}}, "retention.schedule"},
		{"negative every", Config{Telegram: TelegramConfig{Token: "t"}, Publish: PublishConfig{Watermark: WatermarkConfig{Every: -1}}}, "publish.watermark.every"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}

	ok := Config{Telegram: TelegramConfig{Token: "t"}, Retention: RetentionConfig{Schedule: "0 3 * * *"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "secret-1", OwnerUserIDs: []int64{1}}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "secret-2", OwnerUserIDs: []int64{1, 2}},
		Logging:  LoggingConfig{Level: "debug"},
		Storage:  StorageConfig{Driver: "memory"},
	}
	ch := Diff(oldCfg, newCfg)
	want := []string{"telegram.owners", "telegram", "logging", "storage"}
	if strings.Join(ch.Sections, ",") != strings.Join(want, ",") {
		t.Fatalf("Sections = %v, want %v", ch.Sections, want)
	}
	if strings.Join(ch.Restart, ",") != "telegram,storage" {
		t.Fatalf("Restart = %v, want [telegram storage]", ch.Restart)
	}
	if !Diff(newCfg, newCfg).Empty() {
		t.Fatalf("Diff of identical configs should be empty")
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", sampleJSON)
	m := newTestManager(path, nil)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	updated := strings.Replace(sampleJSON, `"level": "info"`, `"level": "debug"`, 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher has registered and picked it up.
		if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("reloaded level = %q, want debug", cfg.Logging.Level)
			}
			cancel()
			<-done
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}

func TestReloadRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", sampleJSON)
	m := newTestManager(path, nil)
	orig, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	if err := os.WriteFile(path, []byte(`{"telegram": {"token": ""}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatal("invalid config was published")
	default:
	}
	if m.Get() != orig {
		t.Fatal("invalid config was committed")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	ok := map[string]time.Duration{
		"":      0,
		"90s":   90 * time.Second,
		" 90d ": 90 * 24 * time.Hour,
		"1h30m": 90 * time.Minute,
	}
	for in, want := range ok {
		got, err := ParseDurationField("x", in)
		if err != nil || got != want {
			t.Fatalf("ParseDurationField(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	for _, in := range []string{"soon", "1.5d", "-1d", "-5s"} {
		if _, err := ParseDurationField("retention.window", in); err == nil || !strings.Contains(err.Error(), "retention.window") {
			t.Fatalf("ParseDurationField(%q) error = %v", in, err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default = %v, want 1m", d)
	}
}

func TestHashIgnoresFormatting(t *testing.T) {
	t.Parallel()
	a, err := Decode("a.json", []byte(`{"telegram":{"token":"t"}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Decode("b.yaml", []byte("telegram:\n  token: t\n"))
	if err != nil {
		t.Fatal(err)
	}
	if hashConfig(a) != hashConfig(b) {
		t.Fatal("equal configs hash differently")
	}
}
