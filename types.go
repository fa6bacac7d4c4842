package dispatch

import "github.com/Swind/go-dispatch/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the dispatch package for most use cases.

// Task is the unit of work (Closure)
type Task = core.Task

// TaskTraits defines task attributes (priority, barrier, name)
type TaskTraits = core.TaskTraits

// TaskPriority defines the priority levels for tasks
type TaskPriority = core.TaskPriority

// TaskRunner is the interface for posting tasks
type TaskRunner = core.TaskRunner

// ThreadPool is re-exported for type compatibility
type ThreadPool = core.ThreadPool

type (
	ExecutionQueue = core.ExecutionQueue
	MainQueue      = core.MainQueue
	Semaphore      = core.Semaphore
	TaskGroup      = core.TaskGroup
	Operation      = core.Operation
	OperationQueue = core.OperationQueue
	OperationState = core.OperationState
	OperationFunc  = core.OperationFunc

	WorkItemFailure       = core.WorkItemFailure
	CyclicDependencyError = core.CyclicDependencyError
)

// Priority constants
const (
	TaskPriorityLow    TaskPriority = core.TaskPriorityLow
	TaskPriorityNormal TaskPriority = core.TaskPriorityNormal
	TaskPriorityHigh   TaskPriority = core.TaskPriorityHigh
)

// Convenience functions for creating TaskTraits
var (
	DefaultTaskTraits = core.DefaultTaskTraits
	TraitsHigh        = core.TraitsHigh
	TraitsLow         = core.TraitsLow
	TraitsBarrier     = core.TraitsBarrier
)

// Constructors for the primitives that do not need a pool.
var (
	NewSemaphore = core.NewSemaphore
	NewTaskGroup = core.NewTaskGroup
	NewOperation = core.NewOperation
)

// Sentinel errors.
var (
	ErrUnbalancedGroup    = core.ErrUnbalancedGroup
	ErrCyclicDependency   = core.ErrCyclicDependency
	ErrQueueClosed        = core.ErrQueueClosed
	ErrDuplicateOperation = core.ErrDuplicateOperation
	ErrUnknownDependency  = core.ErrUnknownDependency
	ErrOperationNotFound  = core.ErrOperationNotFound
	ErrNotCancellable     = core.ErrNotCancellable
	ErrBarrierFromQueue   = core.ErrBarrierFromQueue
	ErrPoolStopped        = core.ErrPoolStopped
)

// TaskWithResult and ReplyWithResult for generic PostTaskAndReply pattern
type TaskWithResult[T any] = core.TaskWithResult[T]
type ReplyWithResult[T any] = core.ReplyWithResult[T]

// GetCurrentTaskRunner retrieves the current TaskRunner from context
var GetCurrentTaskRunner = core.GetCurrentTaskRunner
