package core

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// ThreadPool: The execution engine queues and operation queues run on
// =============================================================================

// ThreadPool executes tasks on worker goroutines. Queues never own goroutines
// themselves; they post wrapped work into a ThreadPool.
//
// PostInternal reports false when the pool no longer accepts work. Done is
// closed once the pool has stopped for good; tasks accepted but not started
// by then never run.
type ThreadPool interface {
	PostInternal(task Task, traits TaskTraits) bool
	PostDelayedInternal(task Task, delay time.Duration, traits TaskTraits, target TaskRunner)

	Start(ctx context.Context)
	Stop()
	Done() <-chan struct{}

	ID() string
	IsRunning() bool
	WorkerCount() int
	QueuedTaskCount() int
	ActiveTaskCount() int
	DelayedTaskCount() int
}

// =============================================================================
// ErrorSink: Where work item failures are reported
// =============================================================================

// ErrorSink receives failures of work items. A failure never stops the queue
// that ran the item.
//
// Implementations should be thread-safe as they may be called concurrently.
type ErrorSink interface {
	ReportFailure(ctx context.Context, failure *WorkItemFailure)
}

// ErrorSinkFunc adapts a function to ErrorSink.
type ErrorSinkFunc func(ctx context.Context, failure *WorkItemFailure)

func (f ErrorSinkFunc) ReportFailure(ctx context.Context, failure *WorkItemFailure) {
	f(ctx, failure)
}

// LoggingErrorSink writes failures to a Logger.
type LoggingErrorSink struct {
	Logger Logger
}

// ReportFailure logs the failure at error level, including the stack for panics.
func (s *LoggingErrorSink) ReportFailure(ctx context.Context, failure *WorkItemFailure) {
	logger := s.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	fields := []Field{
		F("item", failure.ID),
		F("queue", failure.Queue),
		F("error", failure.Err),
	}
	if failure.Panicked() {
		fields = append(fields, F("stack", string(failure.Stack)))
	}
	logger.Error("work item failed", fields...)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting task execution metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast to avoid impacting task execution performance.
type Metrics interface {
	// RecordTaskDuration records how long a task took to execute.
	RecordTaskDuration(queueName string, priority TaskPriority, duration time.Duration)

	// RecordTaskFailure records that a task returned an error or panicked.
	RecordTaskFailure(queueName string, panicked bool)

	// RecordQueueDepth records the current number of pending tasks.
	RecordQueueDepth(queueName string, depth int)

	// RecordTaskRejected records that a task was rejected (e.g., during shutdown).
	RecordTaskRejected(queueName string, reason string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(queueName string, priority TaskPriority, duration time.Duration) {
}
func (m *NilMetrics) RecordTaskFailure(queueName string, panicked bool)  {}
func (m *NilMetrics) RecordQueueDepth(queueName string, depth int)       {}
func (m *NilMetrics) RecordTaskRejected(queueName string, reason string) {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a task is rejected, e.g. because the
// pool or queue is shutting down.
type RejectedTaskHandler interface {
	HandleRejectedTask(queueName string, reason string)
}

// OperationMetrics is an optional extension of Metrics. When the configured
// Metrics implements it, an OperationQueue reports every operation reaching a
// terminal state.
type OperationMetrics interface {
	RecordOperationFinished(queueName string, state OperationState)
}

// RejectedTaskHandlerFunc adapts a function to RejectedTaskHandler.
type RejectedTaskHandlerFunc func(queueName string, reason string)

func (f RejectedTaskHandlerFunc) HandleRejectedTask(queueName string, reason string) {
	f(queueName, reason)
}

// LoggingRejectedTaskHandler logs rejected tasks at warn level.
type LoggingRejectedTaskHandler struct {
	Logger Logger
}

func (h *LoggingRejectedTaskHandler) HandleRejectedTask(queueName string, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Warn("task rejected", F("queue", queueName), F("reason", reason))
}

// =============================================================================
// SchedulerConfig: Configuration shared by a pool and the queues built on it
// =============================================================================

// SchedulerConfig holds configuration options for TaskScheduler.
// All handlers are optional; if not provided, default implementations will be used.
type SchedulerConfig struct {
	// ErrorSink receives work item failures. Defaults to LoggingErrorSink.
	ErrorSink ErrorSink

	// Metrics records task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to LoggingRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// Logger is used for lifecycle logging. Defaults to a SlogLogger over slog.Default().
	Logger Logger
}

// DefaultSchedulerConfig returns a config with default handlers.
func DefaultSchedulerConfig() *SchedulerConfig {
	logger := NewDefaultLogger()
	return &SchedulerConfig{
		ErrorSink:           &LoggingErrorSink{Logger: logger},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &LoggingRejectedTaskHandler{Logger: logger},
		Logger:              logger,
	}
}

// withDefaults returns a copy of c with nil handlers replaced by defaults.
func (c *SchedulerConfig) withDefaults() SchedulerConfig {
	out := SchedulerConfig{}
	if c != nil {
		out = *c
	}
	if out.Logger == nil {
		out.Logger = NewDefaultLogger()
	}
	if out.ErrorSink == nil {
		out.ErrorSink = &LoggingErrorSink{Logger: out.Logger}
	}
	if out.Metrics == nil {
		out.Metrics = &NilMetrics{}
	}
	if out.RejectedTaskHandler == nil {
		out.RejectedTaskHandler = &LoggingRejectedTaskHandler{Logger: out.Logger}
	}
	return out
}

// schedulerGetter is implemented by pools that expose their TaskScheduler, so
// queues built on them inherit its handlers.
type schedulerGetter interface {
	GetScheduler() *TaskScheduler
}

// configFromPool returns the pool's scheduler config, or defaults.
func configFromPool(pool ThreadPool) SchedulerConfig {
	if sg, ok := pool.(schedulerGetter); ok {
		if s := sg.GetScheduler(); s != nil {
			return s.Config()
		}
	}
	return DefaultSchedulerConfig().withDefaults()
}

// asFailure converts an item error into a *WorkItemFailure, keeping an
// existing one intact.
func asFailure(id, queue string, err error) *WorkItemFailure {
	var f *WorkItemFailure
	if errors.As(err, &f) {
		return f
	}
	return &WorkItemFailure{ID: id, Queue: queue, Err: err}
}
