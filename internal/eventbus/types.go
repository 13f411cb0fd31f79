package eventbus

// Event types published by deferbot components.
const (
	// Task engine lifecycle (Data: engine.JobEvent).
	JobStarted  = "job.started"
	JobFinished = "job.finished"
	JobFailed   = "job.failed"
	JobRefused  = "job.refused"

	// Scheduler lifecycle (Data: scheduler.TaskEvent).
	TaskScheduled = "task.scheduled"
	TaskArmed     = "task.armed"
	TaskFired     = "task.fired"
	TaskExecuted  = "task.executed"

	// Modifier outcomes (Data: executor.Outcome).
	ModifierApplied = "modifier.applied"
	ModifierFailed  = "modifier.failed"
	ModifierSkipped = "modifier.skipped"

	// Retention sweeps (Data: retention.Report).
	RetentionSwept = "retention.swept"
)
