package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "deferbot/pkg/logx"
)

type TaskStore interface {
	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	// PendingTasks returns unexecuted tasks ordered by due time then id.
	PendingTasks(ctx context.Context) ([]Task, error)
	// MarkExecuted is monotonic and a no-op for a missing row.
	MarkExecuted(ctx context.Context, id int64) error
}

type MailingStore interface {
	// CreateMailing registers the destination channel when needed.
	CreateMailing(ctx context.Context, m Mailing) (Mailing, error)
	GetMailing(ctx context.Context, id int64) (Mailing, error)
	// ListMailings returns the newest mailings first.
	ListMailings(ctx context.Context, limit int) ([]Mailing, error)
	// SetLiveMessage stores msgID; 0 clears it.
	SetLiveMessage(ctx context.Context, id, msgID int64) error
	// DeleteMailing removes the mailing and all of its tasks.
	DeleteMailing(ctx context.Context, id int64) error
}

type ChannelStore interface {
	UpsertChannel(ctx context.Context, c Channel) error
	// DeleteChannel detaches (not deletes) mailings published to it.
	DeleteChannel(ctx context.Context, id string) error
	ListChannels(ctx context.Context) ([]Channel, error)
}

type AccountStore interface {
	TouchAccount(ctx context.Context, userID int64, at time.Time) error
}

type CounterStore interface {
	// IncrementCounter atomically adds one and returns the new value.
	IncrementCounter(ctx context.Context, key string) (int64, error)
}

type RetentionStore interface {
	PurgeExecutedTasks(ctx context.Context, before time.Time) (int64, error)
	// PurgeMailings removes mailings created before the cutoff and ones
	// whose destination is gone. Their tasks are left for the task purge.
	PurgeMailings(ctx context.Context, before time.Time) (int64, error)
	PurgeAccounts(ctx context.Context, before time.Time) (int64, error)
}

// Store is everything the bot persists.
type Store interface {
	TaskStore
	MailingStore
	ChannelStore
	AccountStore
	CounterStore
	RetentionStore
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open initializes the configured store and applies its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
