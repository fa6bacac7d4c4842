package core

import "time"

// TaskExecutionRecord captures a completed task execution event.
type TaskExecutionRecord struct {
	TaskID     TaskID
	Name       string
	QueueName  string
	QueueType  string
	Priority   TaskPriority
	Barrier    bool
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Panicked   bool
}

// QueueStats represents runtime observability state for an execution queue
// or the main queue.
type QueueStats struct {
	Name           string
	Type           string
	Pending        int
	Running        int
	Rejected       int64
	Closed         bool
	BarrierRunning bool
	LastTaskName   string
	LastTaskAt     time.Time
}

// PoolStats represents runtime observability state for a thread pool.
type PoolStats struct {
	ID      string
	Workers int
	Queued  int
	Active  int
	Delayed int
	Running bool
}

// OperationQueueStats counts operations of an OperationQueue by state.
type OperationQueueStats struct {
	Name           string
	MaxConcurrency int
	Suspended      bool
	Pending        int
	Ready          int
	Running        int
	Completed      int
	Failed         int
	Cancelled      int
	Blocked        int
}
