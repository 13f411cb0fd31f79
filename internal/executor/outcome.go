package executor

import (
	"time"

	"deferbot/internal/modifier"
)

const (
	ResultApplied = "applied"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Outcome describes one modifier run. It is published on the event bus.
type Outcome struct {
	RunID     string        `json:"run_id"`
	MailingID int64         `json:"mailing_id"`
	Kind      modifier.Kind `json:"kind"`
	Result    string        `json:"result"`
	// Step names the fallback step that succeeded, if any.
	Step     string        `json:"step,omitempty"`
	Class    string        `json:"class,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}
