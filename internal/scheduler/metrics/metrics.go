package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/armadaproject/flowscheduler/internal/scheduler/configuration"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/matching"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// Metrics is the top level scheduler metrics.
type Metrics struct {
	cycleTime          prometheus.Histogram
	dispatchedTasks    prometheus.Counter
	failedPlacements   prometheus.Counter
	deferredTasks      prometheus.Gauge
	freeNodes          prometheus.Gauge
	taskRetries        *prometheus.CounterVec
	finishedTasks      *prometheus.CounterVec
	finishedJobs       *prometheus.CounterVec
	controlFlowActions *prometheus.CounterVec
	jobs               *prometheus.GaugeVec
	droppedEvents      prometheus.Counter
	droppedChanges     prometheus.Counter
	collectors         []prometheus.Collector
}

func New(cycleTimeHistogram configuration.HistogramConfig) *Metrics {
	m := &Metrics{
		cycleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: Prefix + "cycle_time_seconds",
			Help: "Duration of a scheduling cycle",
			Buckets: prometheus.ExponentialBuckets(
				cycleTimeHistogram.Start,
				cycleTimeHistogram.Factor,
				cycleTimeHistogram.Count,
			),
		}),
		dispatchedTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "dispatched_tasks",
			Help: "Number of tasks launched on nodes",
		}),
		failedPlacements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "failed_placements",
			Help: "Number of tasks granted nodes that could not be launched",
		}),
		deferredTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: Prefix + "deferred_tasks",
			Help: "Eligible tasks left for a later cycle by the last matching pass",
		}),
		freeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: Prefix + "free_nodes",
			Help: "Free nodes reported by the resource manager before the last matching pass",
		}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "task_retries",
			Help: "Number of task executions that failed and were retried, by failure kind",
		}, []string{kindLabel}),
		finishedTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "finished_tasks",
			Help: "Number of tasks reaching a terminal status",
		}, []string{statusLabel}),
		finishedJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "finished_jobs",
			Help: "Number of jobs reaching a terminal status",
		}, []string{statusLabel}),
		controlFlowActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "control_flow_actions",
			Help: "Number of control flow actions applied, by kind",
		}, []string{kindLabel}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: Prefix + "jobs",
			Help: "Number of jobs in each set of the registry",
		}, []string{setLabel}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "dropped_events",
			Help: "Number of events dropped because a subscriber fell behind",
		}),
		droppedChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "dropped_changes",
			Help: "Number of job changes dropped because the persistence queue was full",
		}),
	}
	m.collectors = []prometheus.Collector{
		m.cycleTime,
		m.dispatchedTasks,
		m.failedPlacements,
		m.deferredTasks,
		m.freeNodes,
		m.taskRetries,
		m.finishedTasks,
		m.finishedJobs,
		m.controlFlowActions,
		m.jobs,
		m.droppedEvents,
		m.droppedChanges,
	}
	return m
}

// ReportCycle records the duration of a cycle and the outcome of its matching pass.
func (m *Metrics) ReportCycle(duration time.Duration, result matching.Result) {
	m.cycleTime.Observe(duration.Seconds())
	m.dispatchedTasks.Add(float64(len(result.Placed)))
	m.failedPlacements.Add(float64(len(result.Failed)))
	m.deferredTasks.Set(float64(result.Deferred))
	m.freeNodes.Set(float64(result.FreeNodes))
}

func (m *Metrics) ReportRetry(kind model.FailureKind) {
	m.taskRetries.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) ReportTaskFinished(status model.TaskStatus) {
	m.finishedTasks.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) ReportJobFinished(status model.JobStatus) {
	m.finishedJobs.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) ReportControlFlow(kind model.FlowActionKind) {
	m.controlFlowActions.WithLabelValues(kind.String()).Inc()
}

// ReportJobCounts sets the size of every set of the registry.
func (m *Metrics) ReportJobCounts(jobDb *jobdb.JobDb) {
	for _, set := range []jobdb.Membership{jobdb.PendingJobs, jobdb.RunningJobs, jobdb.FinishedJobs} {
		m.jobs.WithLabelValues(string(set)).Set(float64(jobDb.Count(set)))
	}
}

func (m *Metrics) EventDropped() {
	m.droppedEvents.Inc()
}

func (m *Metrics) ChangesDropped() {
	m.droppedChanges.Inc()
}

// Describe is necessary to implement the prometheus.Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect is necessary to implement the prometheus.Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}
