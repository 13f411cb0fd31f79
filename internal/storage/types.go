package storage

import (
	"errors"
	"time"

	"deferbot/internal/modifier"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnavailable wraps every other store failure.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
//   - "memory": process-local maps, lost on restart
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means default
}

// Mailing is one published post and the modifiers requested for it.
type Mailing struct {
	ID int64
	// Destination is empty once the channel row has been removed.
	Destination string
	Text        string
	Buttons     []modifier.Button
	Modifiers   modifier.Set
	// LiveMessageID is 0 when no live message is known.
	LiveMessageID int64
	CreatedAt     time.Time
}

func (m Mailing) HasLiveMessage() bool { return m.LiveMessageID != 0 }

// Task is one persisted deferred modifier execution.
type Task struct {
	ID        int64
	MailingID int64
	Kind      modifier.Kind
	DueAt     time.Time
	Executed  bool
}

// Channel is a registered publication destination.
type Channel struct {
	ID      string
	Title   string
	OwnerID int64
	AddedAt time.Time
}

// Stats is a row count summary for operators.
type Stats struct {
	Mailings      int64
	PendingTasks  int64
	ExecutedTasks int64
	Channels      int64
	Accounts      int64
}

type opError struct {
	op  string
	err error
}

func (e *opError) Error() string   { return "storage: " + e.op + ": " + e.err.Error() }
func (e *opError) Unwrap() []error { return []error{ErrUnavailable, e.err} }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &opError{op: op, err: err}
}
