package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Sender delivers a rendered log line to a Telegram chat.
// The gateway implements it, so logx stays free of the bot library.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./deferbot.log"

// Service owns the sinks behind every Logger it hands out.
type Service struct {
	root   atomic.Pointer[zerolog.Logger]
	stdout io.Writer

	mu   sync.Mutex
	file *os.File
	tg   *telegramSink
}

// New builds the service, applies cfg and returns the live root logger.
func New(cfg Config, sender Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{stdout: os.Stdout, tg: newTelegramSink(sender)}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// SetSender binds the Telegram sink once the gateway exists.
func (s *Service) SetSender(sender Sender) { s.tg.setSender(sender) }

// SetTelegramTarget points the Telegram sink at a chat. threadID 0 keeps the
// configured thread.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) { s.tg.setTarget(chatID, threadID) }

// Apply rebuilds the sinks. Loggers already handed out switch over at once.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tg.configure(cfg.Telegram)

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(s.stdout))
	}
	var file *os.File
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		s.tg.start()
		sinks = append(sinks, s.tg)
		if s.tg.chat() == 0 {
			fmt.Fprintln(os.Stderr, "logx: telegram sink enabled without telegram.group_log; lines are discarded")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(s.stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	// The old file is closed only after the new root is visible.
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

// Close stops the Telegram worker and closes the log file.
func (s *Service) Close() error {
	s.tg.stop()

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}
