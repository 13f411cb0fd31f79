// Package retention periodically purges executed tasks, old mailings and
// idle accounts.
package retention

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"deferbot/internal/clock"
	"deferbot/internal/eventbus"
	logx "deferbot/pkg/logx"
)

const (
	DefaultWindow   = 90 * 24 * time.Hour
	DefaultSchedule = "@every 24h"
)

type Store interface {
	PurgeExecutedTasks(ctx context.Context, before time.Time) (int64, error)
	PurgeMailings(ctx context.Context, before time.Time) (int64, error)
	PurgeAccounts(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	Enabled bool
	Window  time.Duration
	// Schedule is a cron spec or descriptor ("@every 24h", "0 4 * * *").
	Schedule string
	// Timeout bounds one sweep.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	return c
}

// Report is the result of one sweep. It is published on the event bus.
type Report struct {
	At       time.Time `json:"at"`
	Cutoff   time.Time `json:"cutoff"`
	Tasks    int64     `json:"tasks"`
	Mailings int64     `json:"mailings"`
	Accounts int64     `json:"accounts"`
	Failed   []string  `json:"failed,omitempty"`
}

type Sweeper struct {
	cfg   Config
	store Store
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
	last   Report
}

func New(cfg Config, store Store, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Sweeper {
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{cfg: cfg.withDefaults(), store: store, clk: clk, log: log, bus: bus}
}

// Start runs one sweep immediately and then on the configured schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("retention schedule %q: %w", s.cfg.Schedule, err)
	}
	s.c = c
	s.cancel = cancel
	c.Start()

	go s.tick(runCtx)
	s.log.Info("retention sweeper started", logx.String("schedule", s.cfg.Schedule), logx.Duration("window", s.cfg.Window))
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("retention sweeper stopped")
}

// tick is one scheduled run. Failures are logged; the schedule continues.
func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("retention sweep panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if _, err := s.Sweep(sctx, s.clk.Now()); err != nil {
		s.log.Warn("retention sweep incomplete", logx.Err(err))
	}
}

// Sweep deletes everything older than now minus the window. Each purge runs
// even when an earlier one failed; failures are joined.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	cutoff := now.Add(-s.cfg.Window)
	rep := Report{At: now, Cutoff: cutoff}

	purges := []struct {
		name string
		fn   func(context.Context, time.Time) (int64, error)
		dst  *int64
	}{
		{"tasks", s.store.PurgeExecutedTasks, &rep.Tasks},
		{"mailings", s.store.PurgeMailings, &rep.Mailings},
		{"accounts", s.store.PurgeAccounts, &rep.Accounts},
	}
	var errs []error
	for _, p := range purges {
		n, err := p.fn(ctx, cutoff)
		if err != nil {
			rep.Failed = append(rep.Failed, p.name)
			errs = append(errs, fmt.Errorf("purge %s: %w", p.name, err))
			continue
		}
		*p.dst = n
	}

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	s.log.Info("retention sweep done",
		logx.Time("cutoff", cutoff),
		logx.Int64("tasks", rep.Tasks),
		logx.Int64("mailings", rep.Mailings),
		logx.Int64("accounts", rep.Accounts),
		logx.Int("failed", len(rep.Failed)),
	)
	eventbus.Publish(s.bus, eventbus.RetentionSwept, rep)
	return rep, errors.Join(errs...)
}

// Last returns the most recent report.
func (s *Sweeper) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
