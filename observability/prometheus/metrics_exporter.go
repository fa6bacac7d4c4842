package prometheus

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Swind/go-dispatch/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	// DurationBuckets overrides prom.DefBuckets for task_duration_seconds.
	DurationBuckets []float64

	// ConstLabels are attached to every series, e.g. {"service": "gcdplay"}.
	ConstLabels prom.Labels
}

// MetricsExporter feeds the scheduler's Metrics hooks into Prometheus.
//
// Series, all under the given namespace:
//
//	task_duration_seconds{queue,priority}        histogram
//	task_failure_total{queue,panicked}           counter
//	task_rejected_total{queue,reason}            counter
//	queue_depth{queue}                           gauge
//	operations_finished_total{queue,state}       counter
type MetricsExporter struct {
	durations  *prom.HistogramVec
	failures   *prom.CounterVec
	rejections *prom.CounterVec
	depth      *prom.GaugeVec
	finished   *prom.CounterVec
}

var (
	_ core.Metrics          = (*MetricsExporter)(nil)
	_ core.OperationMetrics = (*MetricsExporter)(nil)
)

// NewMetricsExporter creates the collectors and registers them with reg.
// Collectors already registered by an earlier exporter are shared.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "dispatch"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if len(opts.ConstLabels) > 0 {
		reg = prom.WrapRegistererWith(opts.ConstLabels, reg)
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	counter := func(name, help string, labels ...string) *prom.CounterVec {
		return prom.NewCounterVec(prom.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	m := &MetricsExporter{
		durations: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   buckets,
		}, []string{"queue", "priority"}),
		failures:   counter("task_failure_total", "Failed work items, split by whether they panicked.", "queue", "panicked"),
		rejections: counter("task_rejected_total", "Tasks refused by a closed queue or a stopped pool.", "queue", "reason"),
		depth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in a queue at its last change.",
		}, []string{"queue"}),
		finished: counter("operations_finished_total", "Operations that reached a terminal state.", "queue", "state"),
	}

	var err error
	if m.durations, err = registerCollector(reg, m.durations); err != nil {
		return nil, err
	}
	for _, vec := range []**prom.CounterVec{&m.failures, &m.rejections, &m.finished} {
		if *vec, err = registerCollector(reg, *vec); err != nil {
			return nil, err
		}
	}
	if m.depth, err = registerCollector(reg, m.depth); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTaskDuration observes how long one task ran.
func (m *MetricsExporter) RecordTaskDuration(queueName string, priority core.TaskPriority, duration time.Duration) {
	if m == nil {
		return
	}
	m.durations.WithLabelValues(normalizeLabel(queueName, "unknown"), priority.String()).Observe(duration.Seconds())
}

func (m *MetricsExporter) RecordTaskFailure(queueName string, panicked bool) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(queueName, "unknown"), strconv.FormatBool(panicked)).Inc()
}

func (m *MetricsExporter) RecordQueueDepth(queueName string, depth int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(normalizeLabel(queueName, "unknown")).Set(float64(depth))
}

func (m *MetricsExporter) RecordTaskRejected(queueName string, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(queueName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordOperationFinished counts an operation by the terminal state it reached.
func (m *MetricsExporter) RecordOperationFinished(queueName string, state core.OperationState) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(normalizeLabel(queueName, "unknown"), state.String()).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// registerCollector registers collector, or returns the equivalent collector
// registered before.
func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegistered prom.AlreadyRegisteredError
	if !errors.As(err, &alreadyRegistered) {
		return collector, err
	}
	existing, ok := alreadyRegistered.ExistingCollector.(T)
	if !ok {
		return collector, fmt.Errorf("collector type mismatch for %T", collector)
	}
	return existing, nil
}
