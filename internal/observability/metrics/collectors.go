// Package metrics exposes Prometheus collectors fed from the event bus and
// the HTTP listener that serves them.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"deferbot/internal/eventbus"
	"deferbot/internal/executor"
	"deferbot/internal/retention"
	"deferbot/internal/task/engine"
	"deferbot/internal/task/scheduler"
)

const namespace = "deferbot"

// Metrics owns a private registry so tests and multiple instances do not
// collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	modifierRuns   *prometheus.CounterVec
	tasksScheduled *prometheus.CounterVec
	tasksFired     *prometheus.CounterVec
	tasksExecuted  *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	retention      *prometheus.CounterVec
}

// New registers the collectors. armed reports the current number of armed
// timers and may be nil.
func New(armed func() int) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		modifierRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modifier_runs_total",
			Help:      "Modifier executions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		tasksScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_scheduled_total",
			Help:      "Tasks persisted for later execution.",
		}, []string{"kind"}),
		tasksFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_fired_total",
			Help:      "Task timers that fired.",
		}, []string{"kind"}),
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_executed_total",
			Help:      "Tasks marked executed, by modifier result.",
		}, []string{"kind", "result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_jobs_total",
			Help:      "Worker pool jobs by final status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_job_duration_seconds",
			Help:      "Worker pool job run time.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		retention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Rows removed by the retention sweeper.",
		}, []string{"table"}),
	}
	m.reg.MustRegister(
		m.modifierRuns, m.tasksScheduled, m.tasksFired, m.tasksExecuted,
		m.jobs, m.jobDuration, m.retention,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if armed != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_armed",
			Help:      "Timers currently armed.",
		}, func() float64 { return float64(armed()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe updates collectors for one event. Unknown events are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case executor.Outcome:
		m.modifierRuns.WithLabelValues(d.Kind.String(), d.Result).Inc()
	case scheduler.TaskEvent:
		switch ev.Type {
		case eventbus.TaskScheduled:
			m.tasksScheduled.WithLabelValues(d.Kind.String()).Inc()
		case eventbus.TaskFired:
			m.tasksFired.WithLabelValues(d.Kind.String()).Inc()
		case eventbus.TaskExecuted:
			m.tasksExecuted.WithLabelValues(d.Kind.String(), d.Result).Inc()
		}
	case engine.JobEvent:
		switch ev.Type {
		case eventbus.JobFinished:
			m.jobs.WithLabelValues("ok").Inc()
			m.jobDuration.Observe(d.Took.Seconds())
		case eventbus.JobFailed:
			m.jobs.WithLabelValues("failed").Inc()
			m.jobDuration.Observe(d.Took.Seconds())
		case eventbus.JobRefused:
			m.jobs.WithLabelValues("refused").Inc()
		}
	case retention.Report:
		m.retention.WithLabelValues("scheduled_tasks").Add(float64(d.Tasks))
		m.retention.WithLabelValues("mailings").Add(float64(d.Mailings))
		m.retention.WithLabelValues("accounts").Add(float64(d.Accounts))
	}
}

// Run feeds events into the collectors until ctx is done or events closes.
// Callers subscribe before starting work so early events are not missed.
func (m *Metrics) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}
