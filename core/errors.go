package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by scheduler operations.
var (
	// ErrUnbalancedGroup is returned by TaskGroup.Leave without a matching Enter.
	ErrUnbalancedGroup = errors.New("unbalanced group: leave without matching enter")

	// ErrCyclicDependency matches every *CyclicDependencyError via errors.Is.
	ErrCyclicDependency = errors.New("cyclic dependency")

	ErrQueueClosed        = errors.New("queue is closed")
	ErrDuplicateOperation = errors.New("duplicate operation id")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrOperationNotFound  = errors.New("operation not found")
	ErrNotCancellable     = errors.New("operation is not cancellable")

	// ErrBarrierFromQueue is returned when a task running on a concurrent
	// queue synchronously submits a barrier to that same queue. The barrier
	// would have to wait for its own caller.
	ErrBarrierFromQueue = errors.New("synchronous barrier submitted from within its own concurrent queue")

	// ErrPoolStopped is returned when the pool behind a queue stopped before
	// the work could run.
	ErrPoolStopped = errors.New("thread pool stopped")
)

// CyclicDependencyError reports a dependency cycle found while validating a
// submission. Cycle lists the operation ids along the cycle, with the first id
// repeated at the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Is(target error) bool {
	return target == ErrCyclicDependency
}

// WorkItemFailure captures the failure of a single work item. It is recorded
// against the item and handed to the ErrorSink; it never propagates into the
// scheduler or sibling items.
type WorkItemFailure struct {
	ID    string
	Queue string

	// Err is the error returned by the item, or a synthesized error for panics.
	Err error

	// Panic holds the recovered value when the item panicked.
	Panic any
	Stack []byte
}

func (f *WorkItemFailure) Error() string {
	id := f.ID
	if id == "" {
		id = "anonymous"
	}
	if f.Queue != "" {
		return fmt.Sprintf("work item %s on %s failed: %v", id, f.Queue, f.Err)
	}
	return fmt.Sprintf("work item %s failed: %v", id, f.Err)
}

func (f *WorkItemFailure) Unwrap() error {
	return f.Err
}

// Panicked reports whether the failure came from a recovered panic.
func (f *WorkItemFailure) Panicked() bool {
	return f.Panic != nil
}

// NewPanicFailure builds the failure for a recovered panic value.
func NewPanicFailure(id, queue string, rec any, stack []byte) *WorkItemFailure {
	err, ok := rec.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", rec)
	} else {
		err = fmt.Errorf("panic: %w", err)
	}
	return &WorkItemFailure{ID: id, Queue: queue, Err: err, Panic: rec, Stack: stack}
}
