package core

import (
	"context"
	"slices"
	"sync"
)

// OperationState is the lifecycle state of an Operation inside an
// OperationQueue.
//
//	Pending -> Ready -> Running -> Completed | Failed
//	Pending | Ready -> Cancelled
//	Pending -> Blocked (a dependency failed, was cancelled or is blocked)
type OperationState int

const (
	// OperationPending waits for at least one dependency.
	OperationPending OperationState = iota
	// OperationReady has all dependencies completed and waits for a slot.
	OperationReady
	OperationRunning
	OperationCompleted
	// OperationFailed returned an error or panicked.
	OperationFailed
	OperationCancelled
	// OperationBlocked can never run because a dependency did not complete.
	OperationBlocked
)

func (s OperationState) String() string {
	switch s {
	case OperationPending:
		return "pending"
	case OperationReady:
		return "ready"
	case OperationRunning:
		return "running"
	case OperationCompleted:
		return "completed"
	case OperationFailed:
		return "failed"
	case OperationCancelled:
		return "cancelled"
	case OperationBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final.
func (s OperationState) IsTerminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationCancelled, OperationBlocked:
		return true
	}
	return false
}

// OperationFunc is the body of an Operation. A non-nil error fails it.
type OperationFunc func(ctx context.Context) error

// Operation is a unit of work with an id, a priority and dependencies on
// other operations of the same queue.
//
// Priority and dependencies are frozen when the operation is added to a
// queue; later calls to SetPriority, AddDependency or DependsOn are ignored.
type Operation struct {
	mu       sync.Mutex
	id       string
	fn       OperationFunc
	priority TaskPriority
	deps     []string
	frozen   bool
}

// NewOperation creates an operation with normal priority and no dependencies.
func NewOperation(id string, fn OperationFunc) *Operation {
	return &Operation{
		id:       id,
		fn:       fn,
		priority: TaskPriorityNormal,
	}
}

// ID returns the operation id.
func (o *Operation) ID() string {
	return o.id
}

// Priority returns the scheduling priority.
func (o *Operation) Priority() TaskPriority {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.priority
}

// Dependencies returns the ids this operation waits for.
func (o *Operation) Dependencies() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.deps...)
}

// SetPriority sets the scheduling priority.
func (o *Operation) SetPriority(p TaskPriority) *Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.frozen {
		o.priority = p
	}
	return o
}

// AddDependency makes o wait for other to complete.
func (o *Operation) AddDependency(other *Operation) *Operation {
	if other == nil {
		return o
	}
	return o.DependsOn(other.id)
}

// DependsOn makes o wait for the operations with the given ids. Repeated ids
// are recorded once.
func (o *Operation) DependsOn(ids ...string) *Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.frozen {
		return o
	}
	for _, id := range ids {
		if !slices.Contains(o.deps, id) {
			o.deps = append(o.deps, id)
		}
	}
	return o
}

func (o *Operation) freeze() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frozen = true
}

func (o *Operation) isFrozen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frozen
}
