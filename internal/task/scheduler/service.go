package scheduler

import (
	"context"
	"fmt"
	"time"

	"deferbot/internal/clock"
	"deferbot/internal/eventbus"
	"deferbot/internal/modifier"
	"deferbot/internal/storage"
	"deferbot/internal/task/engine"
	logx "deferbot/pkg/logx"
)

func New(cfg Config, store TaskStore, exec Executor, runner Runner, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.MarkTimeout <= 0 {
		cfg.MarkTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		store:       store,
		exec:        exec,
		runner:      runner,
		clk:         clk,
		log:         log,
		bus:         bus,
		armed:       map[int64]armedTask{},
		inflight:    map[int64]struct{}{},
		lastEnqWarn: map[modifier.Kind]time.Time{},
	}
}

// Schedule persists a pending task and arms its timer for max(dueAt-now, 0).
// Store failures are returned wrapped in storage.ErrUnavailable.
func (s *Service) Schedule(ctx context.Context, mailingID int64, kind modifier.Kind, dueAt time.Time) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: unknown kind %q", modifier.ErrInvalidPayload, kind)
	}
	if mailingID <= 0 {
		return 0, fmt.Errorf("%w: mailing id %d", modifier.ErrInvalidPayload, mailingID)
	}
	t, err := s.store.CreateTask(ctx, storage.Task{MailingID: mailingID, Kind: kind, DueAt: dueAt})
	if err != nil {
		return 0, fmt.Errorf("schedule %s for mailing %d: %w", kind, mailingID, err)
	}
	eventbus.Publish(s.bus, eventbus.TaskScheduled, s.event(t))
	s.log.Debug("task scheduled", logx.Int64("task_id", t.ID), logx.Int64("mailing_id", mailingID), logx.String("kind", kind.String()), logx.Time("due_at", dueAt))
	s.arm(t)
	return t.ID, nil
}

// RecoverAll arms a timer for every unexecuted task in the store without
// persisting anything. It may succeed once per Service.
func (s *Service) RecoverAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.recovered {
		s.mu.Unlock()
		return 0, ErrAlreadyRecovered
	}
	s.mu.Unlock()

	pending, err := s.store.PendingTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover tasks: %w", err)
	}

	s.mu.Lock()
	if s.recovered {
		s.mu.Unlock()
		return 0, ErrAlreadyRecovered
	}
	s.recovered = true
	s.mu.Unlock()

	n, overdue := 0, 0
	now := s.clk.Now()
	for _, t := range pending {
		if s.arm(t) {
			n++
			if !t.DueAt.After(now) {
				overdue++
			}
		}
	}
	s.log.Info("tasks recovered", logx.Int("armed", n), logx.Int("overdue", overdue))
	return n, nil
}

// arm starts the timer for t. It is a no-op for executed tasks, tasks
// already armed or in flight, and after Stop.
func (s *Service) arm(t storage.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || t.Executed {
		return false
	}
	if _, ok := s.armed[t.ID]; ok {
		return false
	}
	if _, ok := s.inflight[t.ID]; ok {
		return false
	}

	delay := t.DueAt.Sub(s.clk.Now())
	if delay < 0 {
		delay = 0
	}
	id := t.ID
	timer := s.clk.AfterFunc(delay, func() { s.fire(id) })
	s.armed[id] = armedTask{task: t, timer: timer}

	ev := s.event(t)
	ev.Delay = delay
	eventbus.Publish(s.bus, eventbus.TaskArmed, ev)
	return true
}

func (s *Service) fire(id int64) {
	s.mu.Lock()
	at, ok := s.armed[id]
	if !ok {
		// Disarmed by Stop.
		s.mu.Unlock()
		return
	}
	delete(s.armed, id)
	s.inflight[id] = struct{}{}
	s.mu.Unlock()

	t := at.task
	eventbus.Publish(s.bus, eventbus.TaskFired, s.event(t))

	job := engine.Job{
		Name: "modifier." + t.Kind.String(),
		Run: func(ctx context.Context) error {
			s.execute(ctx, t)
			return nil
		},
	}
	if s.runner == nil {
		_ = job.Run(context.Background())
		return
	}
	if err := s.runner.Submit(context.Background(), job); err != nil {
		// Left unexecuted: the next RecoverAll picks it up.
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		s.reportEnqueueError(t, err)
	}
}

// execute runs the modifier; marking the task executed is deferred so it
// happens on every return path, panics included.
func (s *Service) execute(ctx context.Context, t storage.Task) {
	result := "panic"
	defer func() {
		s.markExecuted(ctx, t, result)
	}()
	out := s.exec.Run(ctx, t.MailingID, t.Kind)
	result = out.Result
}

func (s *Service) markExecuted(ctx context.Context, t storage.Task, result string) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.MarkTimeout)
	defer cancel()

	err := s.store.MarkExecuted(mctx, t.ID)

	s.mu.Lock()
	delete(s.inflight, t.ID)
	s.mu.Unlock()

	if err != nil {
		s.log.Error("task not marked executed; it will run again after restart",
			logx.Int64("task_id", t.ID), logx.Int64("mailing_id", t.MailingID), logx.String("kind", t.Kind.String()), logx.Err(err))
		return
	}
	ev := s.event(t)
	ev.Result = result
	eventbus.Publish(s.bus, eventbus.TaskExecuted, ev)
}

// Stop disarms every timer. Nothing is marked executed; disarmed tasks stay
// pending in the store. Work already handed to the runner is not affected.
func (s *Service) Stop(ctx context.Context) int {
	s.mu.Lock()
	s.stopped = true
	armed := s.armed
	s.armed = map[int64]armedTask{}
	s.mu.Unlock()

	for _, at := range armed {
		_ = at.timer.Stop()
	}
	s.log.Info("scheduler stopped", logx.Int("disarmed", len(armed)))
	return len(armed)
}

// Armed returns the number of armed timers.
func (s *Service) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

func (s *Service) event(t storage.Task) TaskEvent {
	return TaskEvent{TaskID: t.ID, MailingID: t.MailingID, Kind: t.Kind, DueAt: t.DueAt}
}
