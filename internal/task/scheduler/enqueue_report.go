package scheduler

import (
	"time"

	"deferbot/internal/storage"
	logx "deferbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(t storage.Task, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[t.Kind]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		s.log.Debug("fired task not submitted", logx.Int64("task_id", t.ID), logx.Err(err))
		return
	}
	s.lastEnqWarn[t.Kind] = now
	s.enqMu.Unlock()

	// Stopping during shutdown is bursty; the task stays pending.
	s.log.Warn("fired task not submitted", logx.Int64("task_id", t.ID), logx.Int64("mailing_id", t.MailingID), logx.String("kind", t.Kind.String()), logx.Err(err))
}
