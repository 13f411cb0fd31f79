package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"deferbot/internal/clock"
	"deferbot/internal/eventbus"
	"deferbot/internal/executor"
	"deferbot/internal/modifier"
	"deferbot/internal/storage"
	"deferbot/internal/task/engine"
	logx "deferbot/pkg/logx"
)

// ErrAlreadyRecovered is returned by a second RecoverAll in one process.
var ErrAlreadyRecovered = errors.New("scheduler: tasks already recovered")

type Config struct {
	// MarkTimeout bounds the executed-flag write after a run.
	MarkTimeout time.Duration
}

// TaskStore is the persistence the scheduler needs.
type TaskStore interface {
	CreateTask(ctx context.Context, t storage.Task) (storage.Task, error)
	PendingTasks(ctx context.Context) ([]storage.Task, error)
	MarkExecuted(ctx context.Context, id int64) error
}

// Executor applies one modifier. *executor.Executor implements it.
type Executor interface {
	Run(ctx context.Context, mailingID int64, kind modifier.Kind) executor.Outcome
}

// Runner accepts fired work. *engine.Service implements it; a nil Runner
// runs fired work on the timer goroutine.
type Runner interface {
	Submit(ctx context.Context, j engine.Job) error
}

// TaskEvent is published for scheduler lifecycle events.
type TaskEvent struct {
	TaskID    int64         `json:"task_id"`
	MailingID int64         `json:"mailing_id"`
	Kind      modifier.Kind `json:"kind"`
	DueAt     time.Time     `json:"due_at"`
	Delay     time.Duration `json:"delay"`
	Result    string        `json:"result,omitempty"`
}

type armedTask struct {
	task  storage.Task
	timer clock.Timer
}

type Service struct {
	cfg    Config
	store  TaskStore
	exec   Executor
	runner Runner
	clk    clock.Clock
	log    logx.Logger
	bus    eventbus.Bus

	mu        sync.Mutex
	armed     map[int64]armedTask
	inflight  map[int64]struct{}
	recovered bool
	stopped   bool

	// Submit error throttling, keyed by kind.
	enqMu       sync.Mutex
	lastEnqWarn map[modifier.Kind]time.Time
}

// ArmedInfo describes one armed timer.
type ArmedInfo struct {
	TaskID    int64
	MailingID int64
	Kind      modifier.Kind
	DueAt     time.Time
}

type Snapshot struct {
	Recovered bool
	Stopped   bool
	Armed     []ArmedInfo
	InFlight  int
}
