// ABOUTME: Tests that every metric registers cleanly and records observations

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew_RegistersAndRecordsObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDispatch("reserve-stock")
	m.ObserveDispatch("reserve-stock")
	m.ObserveTaskFailure("Failed")
	m.ObserveWorkflowDuration(1.5)
	m.ObserveBatchSize(7)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		byName[f.GetName()] = f
	}

	dispatched, ok := byName["sagapm_tasks_dispatched_total"]
	if !ok {
		t.Fatal("expected sagapm_tasks_dispatched_total to be registered")
	}
	if got := dispatched.Metric[0].Counter.GetValue(); got != 2 {
		t.Fatalf("expected 2 dispatches recorded, got %v", got)
	}

	if _, ok := byName["sagapm_task_failures_total"]; !ok {
		t.Fatal("expected sagapm_task_failures_total to be registered")
	}
	if _, ok := byName["sagapm_workflow_duration_seconds"]; !ok {
		t.Fatal("expected sagapm_workflow_duration_seconds to be registered")
	}
	if _, ok := byName["sagapm_pipeline_batch_size"]; !ok {
		t.Fatal("expected sagapm_pipeline_batch_size to be registered")
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveDispatch("x")
	m.ObserveTaskFailure("Failed")
	m.ObserveWorkflowDuration(1)
	m.ObserveBatchSize(1)
}
