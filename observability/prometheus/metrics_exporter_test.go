package prometheus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	dispatch "github.com/Swind/go-dispatch"
	"github.com/Swind/go-dispatch/core"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsExporter_RecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("dispatch", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordTaskDuration("queue-a", core.TaskPriorityNormal, 250*time.Millisecond)
	exporter.RecordTaskFailure("queue-a", true)
	exporter.RecordTaskFailure("queue-a", false)
	exporter.RecordTaskFailure("queue-a", false)
	exporter.RecordQueueDepth("queue-a", 7)
	exporter.RecordTaskRejected("queue-a", "shutdown")

	if got := testutil.ToFloat64(exporter.failures.WithLabelValues("queue-a", "true")); got != 1 {
		t.Fatalf("panicked failure total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.failures.WithLabelValues("queue-a", "false")); got != 2 {
		t.Fatalf("error failure total = %v, want 2", got)
	}

	queueDepth := testutil.ToFloat64(exporter.depth.WithLabelValues("queue-a"))
	if queueDepth != 7 {
		t.Fatalf("queue depth = %v, want 7", queueDepth)
	}

	rejected := testutil.ToFloat64(exporter.rejections.WithLabelValues("queue-a", "shutdown"))
	if rejected != 1 {
		t.Fatalf("rejected total = %v, want 1", rejected)
	}

	histCount, err := histogramSampleCount(exporter.durations.WithLabelValues("queue-a", "normal"))
	if err != nil {
		t.Fatalf("histogramSampleCount failed: %v", err)
	}
	if histCount != 1 {
		t.Fatalf("duration sample count = %d, want 1", histCount)
	}
}

func TestMetricsExporter_EmptyLabelsFallBack(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordQueueDepth("", 3)

	if got := testutil.ToFloat64(exporter.depth.WithLabelValues("unknown")); got != 3 {
		t.Fatalf("fallback queue depth = %v, want 3", got)
	}
}

func TestMetricsExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewMetricsExporter("dispatch", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("first NewMetricsExporter failed: %v", err)
	}
	second, err := NewMetricsExporter("dispatch", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("second NewMetricsExporter failed: %v", err)
	}

	first.RecordTaskFailure("queue-a", true)
	second.RecordTaskFailure("queue-a", true)

	got := testutil.ToFloat64(first.failures.WithLabelValues("queue-a", "true"))
	if got != 2 {
		t.Fatalf("shared failure counter = %v, want 2", got)
	}
}

// TestMetricsExporter_OperationStates verifies terminal operation states are counted per queue
// Given: An operation queue whose pool reports into the exporter
// When: One operation completes, one fails and its dependent becomes Blocked
// Then: operations_finished_total has one sample per terminal state
func TestMetricsExporter_OperationStates(t *testing.T) {
	// Arrange
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("dispatch", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}
	pool := dispatch.NewGoroutineThreadPoolWithConfig("metrics-pool", 2, &core.SchedulerConfig{
		Metrics: exporter,
		Logger:  core.NewNoOpLogger(),
	})
	pool.Start(context.Background())
	defer pool.Stop()
	q := core.NewOperationQueue("downloads", pool, 2)

	ok := core.NewOperation("ok", func(ctx context.Context) error { return nil })
	broken := core.NewOperation("broken", func(ctx context.Context) error { return errors.New("fetch failed") })
	blocked := core.NewOperation("blocked", func(ctx context.Context) error { return nil }).AddDependency(broken)

	// Act
	if err := q.AddOperations([]*core.Operation{ok, broken, blocked}, true); err != nil {
		t.Fatalf("AddOperations failed: %v", err)
	}

	// Assert
	for _, state := range []core.OperationState{core.OperationCompleted, core.OperationFailed, core.OperationBlocked} {
		if got := testutil.ToFloat64(exporter.finished.WithLabelValues("downloads", state.String())); got != 1 {
			t.Errorf("operations_finished_total{state=%q} = %v, want 1", state, got)
		}
	}
	if got := testutil.ToFloat64(exporter.failures.WithLabelValues("downloads", "false")); got != 1 {
		t.Errorf("task_failure_total{panicked=false} = %v, want 1", got)
	}
}

func TestMetricsExporter_ConstLabels(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("dispatch", reg, ExporterOptions{
		ConstLabels: prom.Labels{"service": "gcdplay"},
	})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordTaskRejected("queue-a", "closed")

	want := `
# HELP dispatch_task_rejected_total Tasks refused by a closed queue or a stopped pool.
# TYPE dispatch_task_rejected_total counter
dispatch_task_rejected_total{queue="queue-a",reason="closed",service="gcdplay"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "dispatch_task_rejected_total"); err != nil {
		t.Fatalf("unexpected series: %v", err)
	}
}

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	collector, ok := observer.(prom.Collector)
	if !ok {
		return 0, nil
	}

	metricCh := make(chan prom.Metric, 1)
	collector.Collect(metricCh)
	close(metricCh)
	for metric := range metricCh {
		msg := &dto.Metric{}
		if err := metric.Write(msg); err != nil {
			return 0, err
		}
		if msg.Histogram != nil {
			return msg.Histogram.GetSampleCount(), nil
		}
	}
	return 0, nil
}
