// Package metrics registers the orchestration core's Prometheus collectors:
// queue depth, active worker/poller gauges, per-stage and per-poll-cycle
// duration histograms, and collaborator call outcome counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/textloom/orchestrator/internal/collaborators/resilience"
)

// Collectors bundles every metric the core registers. Construct once with
// NewCollectors; collaborator adapters report into CollaboratorOut through
// Observer. Nothing in the core sets the other collectors.
type Collectors struct {
	QueueDepth      prometheus.Gauge
	ActiveWorkers   prometheus.Gauge
	ActivePollers   prometheus.Gauge
	StageDuration   *prometheus.HistogramVec
	PollCycle       prometheus.Histogram
	CollaboratorOut *prometheus.CounterVec
	TasksTerminal   *prometheus.CounterVec
}

// NewCollectors builds and registers every collector against reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "textloom",
			Subsystem: "orchestrator",
			Name:      "queue_depth",
			Help:      "Number of tasks currently in status=pending.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "textloom",
			Subsystem: "orchestrator",
			Name:      "active_workers",
			Help:      "Number of workers currently holding a task lease.",
		}),
		ActivePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "textloom",
			Subsystem: "orchestrator",
			Name:      "active_poll_cycles",
			Help:      "1 while a poll tick is in progress, 0 otherwise.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "textloom",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of one stage runner invocation, by stage name and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "outcome"}),
		PollCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "textloom",
			Subsystem: "orchestrator",
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of one Poller tick across its full batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		CollaboratorOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textloom",
			Subsystem: "orchestrator",
			Name:      "collaborator_calls_total",
			Help:      "Collaborator port calls, by collaborator and outcome (ok, TRANSIENT, PERMANENT, UNSUPPORTED, QUOTA, breaker_open, error).",
		}, []string{"collaborator", "outcome"}),
		TasksTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textloom",
			Subsystem: "orchestrator",
			Name:      "tasks_terminal_total",
			Help:      "Tasks reaching a terminal status, by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.QueueDepth, c.ActiveWorkers, c.ActivePollers,
		c.StageDuration, c.PollCycle, c.CollaboratorOut, c.TasksTerminal,
	)
	return c
}

// Observer adapts Collectors into a resilience.Observer, so every
// collaborator adapter's WithObserver(c.Observer()) records into the same
// collaborator_calls_total counter.
func (c *Collectors) Observer() resilience.Observer {
	return func(collaborator, outcome string) {
		c.CollaboratorOut.WithLabelValues(collaborator, outcome).Inc()
	}
}
