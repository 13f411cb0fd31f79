package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"deferbot/internal/eventbus"
	logx "deferbot/pkg/logx"
)

const slowJob = 750 * time.Millisecond

func (s *Service) work(ctx context.Context, queue <-chan queued, closing <-chan struct{}) {
	for {
		// Closing wins over queued work so nothing starts on a canceled context.
		select {
		case <-ctx.Done():
			return
		case <-closing:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-closing:
			return
		case q := <-queue:
			s.inFlight.Add(1)
			s.run(ctx, q)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) run(ctx context.Context, q queued) {
	ev := JobEvent{ID: q.id, Name: q.job.Name, Started: time.Now()}
	ev.Waited = max(ev.Started.Sub(q.queuedAt), 0)
	eventbus.Publish(s.bus, eventbus.JobStarted, ev)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if q.job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, q.job.Timeout)
	}
	err := s.guard(runCtx, q)
	cancel()
	ev.Took = time.Since(ev.Started)

	log := s.log.With(logx.String("job", ev.Name), logx.Uint64("job_id", ev.ID), logx.Duration("waited", ev.Waited), logx.Duration("took", ev.Took))
	switch {
	case err != nil:
		s.failed.Add(1)
		ev.Error = err.Error()
		log.Warn("job failed", logx.Err(err))
		eventbus.Publish(s.bus, eventbus.JobFailed, ev)
	case ev.Took >= slowJob:
		s.completed.Add(1)
		log.Info("slow job finished")
		eventbus.Publish(s.bus, eventbus.JobFinished, ev)
	default:
		s.completed.Add(1)
		log.Debug("job finished")
		eventbus.Publish(s.bus, eventbus.JobFinished, ev)
	}
	s.remember(ev)
}

// guard turns a panicking job into an error so the worker keeps running.
func (s *Service) guard(ctx context.Context, q queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("job", q.job.Name), logx.Uint64("job_id", q.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return q.job.Run(ctx)
}
