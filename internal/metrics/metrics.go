// Package metrics exposes Prometheus metrics for search jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	subsystem = "collagent"

	jobsSubmittedTotal  = "jobs_submitted_total"
	jobsFinishedTotal   = "jobs_finished_total"
	jobsRunning         = "jobs_running"
	jobsQueued          = "jobs_queued"
	turnsConsumedTotal  = "turns_consumed_total"
	providerCallsTotal  = "provider_calls_total"
	diagnosticsTotal    = "diagnostics_total"
	subscribersAttached = "event_subscribers"

	stateLabel   = "state"
	phaseLabel   = "phase"
	roleLabel    = "role"
	outcomeLabel = "outcome"
	kindLabel    = "kind"
)

var jobsSubmittedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      jobsSubmittedTotal,
		Help:      "number of search jobs accepted",
	},
)

var jobsFinishedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      jobsFinishedTotal,
		Help:      "number of search jobs that reached a terminal state",
	},
	[]string{stateLabel},
)

var jobsRunningMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      jobsRunning,
		Help:      "number of search jobs currently holding a run slot",
	},
)

var jobsQueuedMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      jobsQueued,
		Help:      "number of search jobs waiting for a run slot",
	},
)

var turnsConsumedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      turnsConsumedTotal,
		Help:      "number of search turns consumed",
	},
	[]string{phaseLabel},
)

var providerCallsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      providerCallsTotal,
		Help:      "number of provider calls by role and outcome",
	},
	[]string{roleLabel, outcomeLabel},
)

var diagnosticsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      diagnosticsTotal,
		Help:      "number of recoverable diagnostics attached to jobs",
	},
	[]string{kindLabel},
)

var subscribersMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      subscribersAttached,
		Help:      "number of attached progress subscribers",
	},
)

func IncreaseJobsSubmitted() {
	jobsSubmittedMetric.Inc()
}

func IncreaseJobsFinished(state string) {
	jobsFinishedMetric.With(prometheus.Labels{stateLabel: state}).Inc()
}

func UpdateJobsRunning(delta int) {
	jobsRunningMetric.Add(float64(delta))
}

func UpdateJobsQueued(count int) {
	jobsQueuedMetric.Set(float64(count))
}

func IncreaseTurnsConsumed(phase string) {
	turnsConsumedMetric.With(prometheus.Labels{phaseLabel: phase}).Inc()
}

func IncreaseProviderCalls(role, outcome string) {
	providerCallsMetric.With(prometheus.Labels{roleLabel: role, outcomeLabel: outcome}).Inc()
}

func IncreaseDiagnostics(kind string) {
	diagnosticsMetric.With(prometheus.Labels{kindLabel: kind}).Inc()
}

func UpdateSubscribers(delta int) {
	subscribersMetric.Add(float64(delta))
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsSubmittedMetric)
	prometheus.MustRegister(jobsFinishedMetric)
	prometheus.MustRegister(jobsRunningMetric)
	prometheus.MustRegister(jobsQueuedMetric)
	prometheus.MustRegister(turnsConsumedMetric)
	prometheus.MustRegister(providerCallsMetric)
	prometheus.MustRegister(diagnosticsMetric)
	prometheus.MustRegister(subscribersMetric)
}
