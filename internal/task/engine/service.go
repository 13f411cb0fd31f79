package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deferbot/internal/eventbus"
	rtsup "deferbot/internal/runtime/supervisor"
	logx "deferbot/pkg/logx"
)

type state int

const (
	idle state = iota
	running
	stopped
)

// Service is a bounded worker pool. Submit blocks while the queue is full,
// so fired work is delayed under load but never dropped.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	state   state
	queue   chan queued
	closing chan struct{}
	sup     *rtsup.Supervisor

	seq       atomic.Uint64
	inFlight  atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
	refused   atomic.Uint64

	hmu     sync.Mutex
	history []JobEvent
}

type queued struct {
	id       uint64
	job      Job
	queuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply takes timeout and history changes at once. Pool size and queue
// changes wait for the next start: resizing would strand queued work.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == idle {
		s.cfg = cfg
		return
	}
	if cfg.Workers != s.cfg.Workers || cfg.QueueSize != s.cfg.QueueSize {
		s.log.Warn("task engine size change applies after restart",
			logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	}
	s.cfg.DefaultTimeout = cfg.DefaultTimeout
	s.cfg.HistorySize = cfg.HistorySize
}

// Start launches the workers under their own supervisor. It runs once; a
// disabled or already started engine ignores it. Canceling ctx does not
// reach running jobs: only Stop ends the pool.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.cfg.Enabled || s.state != idle {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.state = running
	s.queue = make(chan queued, cfg.QueueSize)
	s.closing = make(chan struct{})
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	queue, closing, sup := s.queue, s.closing, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		// A clean return means the pool is closing; a panic outside a job restarts the worker.
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, queue, closing)
			return nil
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop refuses new work and lets running jobs finish. Jobs still running
// when ctx expires are canceled. Jobs still queued are abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.state != running {
		s.state = stopped
		s.mu.Unlock()
		return
	}
	s.state = stopped
	close(s.closing)
	sup, queue := s.sup, s.queue
	s.mu.Unlock()

	err := sup.Wait(ctx)
	sup.Cancel()
	if err != nil {
		s.log.Warn("task engine stop deadline hit; running jobs canceled", logx.Int("running", int(s.inFlight.Load())), logx.Err(err))
		return
	}
	s.log.Info("task engine stopped", logx.Int("abandoned", len(queue)))
}

// Submit queues j, blocking while the queue is full until ctx is done or
// the engine stops.
func (s *Service) Submit(ctx context.Context, j Job) error {
	if j.Run == nil {
		return errors.New("task engine: job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return errors.New("task engine: job Name is required")
	}

	s.mu.Lock()
	enabled, st := s.cfg.Enabled, s.state
	if j.Timeout <= 0 {
		j.Timeout = s.cfg.DefaultTimeout
	}
	queue, closing := s.queue, s.closing
	s.mu.Unlock()

	var err error
	switch {
	case !enabled:
		err = ErrDisabled
	case st == idle:
		err = ErrNotRunning
	case st == stopped:
		err = ErrStopping
	}
	if err != nil {
		return s.refuse(j, err)
	}

	q := queued{id: s.seq.Add(1), job: j, queuedAt: time.Now()}
	select {
	case queue <- q:
		return nil
	case <-closing:
		return s.refuse(j, ErrStopping)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) refuse(j Job, err error) error {
	s.refused.Add(1)
	eventbus.Publish(s.bus, eventbus.JobRefused, JobEvent{Name: j.Name, Started: time.Now(), Error: err.Error()})
	return err
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, queue := s.cfg, s.queue
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:   cfg.Enabled,
		Workers:   cfg.Workers,
		InFlight:  int(s.inFlight.Load()),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Panics:    s.panics.Load(),
		Refused:   s.refused.Load(),
	}
	if queue != nil {
		snap.QueueLen, snap.QueueCap = len(queue), cap(queue)
	}
	s.hmu.Lock()
	snap.History = append([]JobEvent(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) remember(ev JobEvent) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, ev)
	if over := len(s.history) - limit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}
