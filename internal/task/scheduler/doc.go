// Package scheduler persists deferred modifier executions and arms one
// in-process timer per pending task.
//
// The scheduler is trigger-only; fired work runs on the task engine. A fired
// task is marked executed once its modifier returns, whatever the outcome,
// so a failed modifier is never attempted again. RecoverAll re-arms pending
// tasks after a restart; tasks already due fire immediately.
package scheduler
