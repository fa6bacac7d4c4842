package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// TaskScheduler is the work source a GoroutineThreadPool's workers pull from.
type TaskScheduler struct {
	queue       TaskQueue
	signal      chan struct{}
	workerCount int

	delayManager *DelayManager

	metricQueued atomic.Int32 // Waiting in ReadyQueue
	metricActive atomic.Int32 // Executing in Worker

	config SchedulerConfig

	shuttingDown atomic.Bool
}

// NewPriorityTaskScheduler creates a scheduler that hands out higher priority
// tasks first, FIFO within a priority.
func NewPriorityTaskScheduler(workerCount int, config *SchedulerConfig) *TaskScheduler {
	return newTaskScheduler(workerCount, NewPriorityTaskQueue(), config)
}

// NewFIFOTaskScheduler creates a scheduler that hands out tasks strictly in
// submission order.
func NewFIFOTaskScheduler(workerCount int, config *SchedulerConfig) *TaskScheduler {
	return newTaskScheduler(workerCount, NewFIFOTaskQueue(), config)
}

func newTaskScheduler(workerCount int, queue TaskQueue, config *SchedulerConfig) *TaskScheduler {
	if workerCount < 1 {
		workerCount = 1
	}
	return &TaskScheduler{
		queue:        queue,
		signal:       make(chan struct{}, workerCount*2),
		workerCount:  workerCount,
		delayManager: NewDelayManager(),
		config:       config.withDefaults(),
	}
}

// PostInternal queues a task for the workers. Tasks posted after Shutdown are
// rejected and PostInternal returns false.
func (s *TaskScheduler) PostInternal(task Task, traits TaskTraits) bool {
	if s.shuttingDown.Load() {
		s.config.RejectedTaskHandler.HandleRejectedTask("scheduler", "shutting down")
		s.config.Metrics.RecordTaskRejected("scheduler", "shutting down")
		return false
	}

	s.queue.Push(task, traits)
	s.metricQueued.Add(1)

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal channel full; the task is already queued and a worker will
		// find it on its next pass.
	}
	return true
}

// PostDelayedInternal hands the task to the DelayManager, which posts it to
// target once delay elapses.
func (s *TaskScheduler) PostDelayedInternal(task Task, delay time.Duration, traits TaskTraits, target TaskRunner) {
	if s.shuttingDown.Load() {
		s.config.Metrics.RecordTaskRejected("scheduler", "shutting down")
		return
	}
	s.delayManager.AddDelayedTask(task, delay, traits, target)
}

// GetWork blocks until a task is available or stopCh closes (Called by Worker).
func (s *TaskScheduler) GetWork(stopCh <-chan struct{}) (Task, bool) {
	for {
		if item, ok := s.queue.Pop(); ok {
			s.metricQueued.Add(-1)
			return item.Task, true
		}

		select {
		case <-s.signal:
			continue
		case <-stopCh:
			return nil, false
		}
	}
}

func (s *TaskScheduler) Shutdown() {
	s.shuttingDown.Store(true)
	s.delayManager.Stop()
	s.queue.Clear()
	s.metricQueued.Store(0)
}

// ShutdownGraceful waits for all queued and active tasks to complete
// Returns error if timeout is exceeded before tasks complete
func (s *TaskScheduler) ShutdownGraceful(timeout time.Duration) error {
	s.shuttingDown.Store(true)
	s.delayManager.Stop()

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.QueuedTaskCount() == 0 && s.ActiveTaskCount() == 0 {
			return nil
		}
		select {
		case <-deadline:
			s.queue.Clear()
			s.metricQueued.Store(0)
			return fmt.Errorf("graceful shutdown timed out after %v, queue cleared", timeout)
		case <-ticker.C:
		}
	}
}

func (s *TaskScheduler) IsShuttingDown() bool { return s.shuttingDown.Load() }

// Metrics
func (s *TaskScheduler) WorkerCount() int      { return s.workerCount }
func (s *TaskScheduler) QueuedTaskCount() int  { return int(s.metricQueued.Load()) }
func (s *TaskScheduler) ActiveTaskCount() int  { return int(s.metricActive.Load()) }
func (s *TaskScheduler) DelayedTaskCount() int { return s.delayManager.TaskCount() }

func (s *TaskScheduler) OnTaskStart() { s.metricActive.Add(1) }
func (s *TaskScheduler) OnTaskEnd()   { s.metricActive.Add(-1) }

// Config returns the handlers this scheduler was built with.
func (s *TaskScheduler) Config() SchedulerConfig {
	return s.config
}
