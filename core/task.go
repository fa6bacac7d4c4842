package core

import (
	"context"
	"time"
)

// Task is the unit of work (Closure)
type Task func(ctx context.Context)

// =============================================================================
// TaskTraits: Define task attributes (priority, barrier, display name)
// =============================================================================

type TaskPriority int

const (
	// TaskPriorityLow: background work nobody is waiting on
	TaskPriorityLow TaskPriority = iota

	// TaskPriorityNormal: Default priority
	TaskPriorityNormal

	// TaskPriorityHigh: work the caller is actively waiting on
	TaskPriorityHigh
)

// String returns the lowercase label used in logs and metrics.
func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityLow:
		return "low"
	case TaskPriorityNormal:
		return "normal"
	case TaskPriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

type TaskTraits struct {
	Priority TaskPriority

	// Barrier marks the task as exclusive within its ExecutionQueue: it starts
	// after every earlier task has finished and nothing else starts until it
	// returns.
	Barrier bool

	// Name is an optional display name recorded in the execution history.
	Name string
}

func DefaultTaskTraits() TaskTraits {
	return TaskTraits{Priority: TaskPriorityNormal}
}

func TraitsHigh() TaskTraits {
	return TaskTraits{Priority: TaskPriorityHigh}
}

func TraitsLow() TaskTraits {
	return TaskTraits{Priority: TaskPriorityLow}
}

func TraitsBarrier() TaskTraits {
	return TaskTraits{Priority: TaskPriorityNormal, Barrier: true}
}

// =============================================================================
// TaskRunner: Define task submission interface
// =============================================================================
type TaskRunner interface {
	PostTask(task Task)
	PostTaskWithTraits(task Task, traits TaskTraits)
	PostDelayedTask(task Task, delay time.Duration)
	PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits)
}

// =============================================================================
// Context Helper
// =============================================================================
type taskRunnerKeyType struct{}

var taskRunnerKey taskRunnerKeyType

// GetCurrentTaskRunner returns the runner executing the task that owns ctx,
// or nil when ctx does not come from a runner.
func GetCurrentTaskRunner(ctx context.Context) TaskRunner {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(taskRunnerKey); v != nil {
		return v.(TaskRunner)
	}
	return nil
}

func withTaskRunner(ctx context.Context, r TaskRunner) context.Context {
	return context.WithValue(ctx, taskRunnerKey, r)
}
