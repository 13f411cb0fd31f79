package engine

import (
	"context"
	"time"
)

// Config sizes the pool that runs fired modifier work. The scheduler decides
// when work is due; the pool decides how much runs at once and for how long.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a Job whose Timeout is 0. Zero means unbounded.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Job is one unit of fired work. A failed Job is not retried.
type Job struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobEvent is the Data of job.* bus events and a history entry.
type JobEvent struct {
	ID      uint64        `json:"id"`
	Name    string        `json:"name"`
	Started time.Time     `json:"started"`
	Waited  time.Duration `json:"waited"`
	Took    time.Duration `json:"took"`
	Error   string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for /stats.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Completed uint64
	Failed    uint64
	Panics    uint64
	Refused   uint64

	History []JobEvent
}
