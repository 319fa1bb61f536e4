// ABOUTME: Prometheus instrumentation for the engine and pipeline
// ABOUTME: Counters/histograms incremented at the same lifecycle points the teacher logs

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/histogram sagapm exports. A single
// instance should be constructed per process and threaded into the
// engine and pipeline at wiring time (cmd/sagapm-worker).
type Metrics struct {
	TasksDispatched *prometheus.CounterVec
	TaskFailures    *prometheus.CounterVec
	WorkflowDuration prometheus.Histogram
	PipelineBatchSize prometheus.Histogram
}

// New registers every metric against reg. Pass prometheus.NewRegistry()
// in tests to avoid colliding with the global default registry across
// test runs within the same process.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sagapm_tasks_dispatched_total",
			Help: "Number of tasks dispatched to the message bus, labeled by task name.",
		}, []string{"task_name"}),

		TaskFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sagapm_task_failures_total",
			Help: "Number of task instances that terminated in a non-Completed state, labeled by reason.",
		}, []string{"reason"}),

		WorkflowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sagapm_workflow_duration_seconds",
			Help:    "Wall-clock duration of a workflow instance from creation to Completed.",
			Buckets: prometheus.DefBuckets,
		}),

		PipelineBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sagapm_pipeline_batch_size",
			Help:    "Number of status updates processed per pipeline batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
	}
}

// ObserveDispatch records one task dispatch.
func (m *Metrics) ObserveDispatch(taskName string) {
	if m == nil {
		return
	}
	m.TasksDispatched.WithLabelValues(taskName).Inc()
}

// ObserveTaskFailure records one task-instance terminal failure, labeled
// by the status that caused it (Failed, AckTimeOut, Timeout).
func (m *Metrics) ObserveTaskFailure(reason string) {
	if m == nil {
		return
	}
	m.TaskFailures.WithLabelValues(reason).Inc()
}

// ObserveWorkflowDuration records how long a workflow instance ran.
func (m *Metrics) ObserveWorkflowDuration(seconds float64) {
	if m == nil {
		return
	}
	m.WorkflowDuration.Observe(seconds)
}

// ObserveBatchSize records the size of one pipeline batch.
func (m *Metrics) ObserveBatchSize(n int) {
	if m == nil {
		return
	}
	m.PipelineBatchSize.Observe(float64(n))
}
