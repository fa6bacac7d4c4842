package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
)

// QueueMode selects how an ExecutionQueue runs non-barrier tasks.
type QueueMode int

const (
	// ModeSerial runs tasks one at a time in submission order.
	ModeSerial QueueMode = iota

	// ModeConcurrent lets tasks run in parallel and finish in any order.
	ModeConcurrent
)

func (m QueueMode) String() string {
	switch m {
	case ModeSerial:
		return "serial"
	case ModeConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// QueueOption configures an ExecutionQueue or MainQueue.
type QueueOption func(*queueOptions)

type queueOptions struct {
	maxConcurrency int
	config         *SchedulerConfig
}

// WithMaxConcurrency bounds how many tasks of a concurrent queue run at once.
// Zero (the default) leaves the bound to the pool. Ignored by serial queues.
func WithMaxConcurrency(n int) QueueOption {
	return func(o *queueOptions) {
		o.maxConcurrency = n
	}
}

// WithSchedulerConfig overrides the handlers otherwise inherited from the pool.
func WithSchedulerConfig(config *SchedulerConfig) QueueOption {
	return func(o *queueOptions) {
		o.config = config
	}
}

// ExecutionQueue is a labelled queue of tasks that runs on a ThreadPool, in
// either serial or concurrent mode.
//
// Barrier tasks (TaskTraits.Barrier) wait for every earlier task to finish,
// run alone, and hold back every later task until they return. On a serial
// queue a barrier behaves like any other task.
//
// Posting never blocks. Each runnable task is posted to the pool wrapped with
// bookkeeping that releases the next tasks when it finishes. The only
// goroutine a queue owns watches the pool: once the pool stops, the queue
// closes and drops whatever the pool will no longer run.
type ExecutionQueue struct {
	label      string
	mode       QueueMode
	threadPool ThreadPool
	limit      int // 0 = unbounded

	mu             sync.Mutex
	pending        deque.Deque[queuedTask]
	inflight       map[TaskID]queuedTask // posted to the pool, not yet started
	running        int
	barrierRunning bool
	closed         bool
	closedCh       chan struct{}
	poolGone       bool
	released       chan struct{} // closed once closed and nothing is running
	releasedOnce   bool

	rejected atomic.Int64
	config   SchedulerConfig
	observer *taskObserver
}

// NewExecutionQueue creates a queue backed by threadPool.
// Panics if threadPool is nil.
func NewExecutionQueue(label string, mode QueueMode, threadPool ThreadPool, opts ...QueueOption) *ExecutionQueue {
	if threadPool == nil {
		panic("ExecutionQueue: threadPool must not be nil")
	}

	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}

	config := configFromPool(threadPool)
	if o.config != nil {
		config = o.config.withDefaults()
	}

	limit := o.maxConcurrency
	if mode == ModeSerial {
		limit = 1
	}
	if limit < 0 {
		limit = 0
	}

	q := &ExecutionQueue{
		label:      label,
		mode:       mode,
		threadPool: threadPool,
		limit:      limit,
		inflight:   make(map[TaskID]queuedTask),
		closedCh:   make(chan struct{}),
		released:   make(chan struct{}),
		config:     config,
		observer:   newTaskObserver(label, mode.String(), config),
	}
	if poolDone := threadPool.Done(); poolDone != nil {
		go q.watchPool(poolDone)
	}
	return q
}

// NewSerialQueue is shorthand for NewExecutionQueue(label, ModeSerial, pool).
func NewSerialQueue(label string, threadPool ThreadPool, opts ...QueueOption) *ExecutionQueue {
	return NewExecutionQueue(label, ModeSerial, threadPool, opts...)
}

// NewConcurrentQueue is shorthand for NewExecutionQueue(label, ModeConcurrent, pool).
func NewConcurrentQueue(label string, threadPool ThreadPool, opts ...QueueOption) *ExecutionQueue {
	return NewExecutionQueue(label, ModeConcurrent, threadPool, opts...)
}

// Label returns the queue's label.
func (q *ExecutionQueue) Label() string {
	return q.label
}

// Mode returns whether the queue is serial or concurrent.
func (q *ExecutionQueue) Mode() QueueMode {
	return q.mode
}

// IsClosed returns true if the queue has been shut down.
func (q *ExecutionQueue) IsClosed() bool {
	return q.isClosed()
}

// GetThreadPool returns the pool the queue runs on.
func (q *ExecutionQueue) GetThreadPool() ThreadPool {
	return q.threadPool
}

// PostTask submits task with default traits.
func (q *ExecutionQueue) PostTask(task Task) {
	q.PostTaskWithTraits(task, DefaultTaskTraits())
}

// PostBarrierTask submits task as a barrier.
func (q *ExecutionQueue) PostBarrierTask(task Task) {
	q.PostTaskWithTraits(task, TraitsBarrier())
}

// PostTaskWithTraits records task and returns immediately.
func (q *ExecutionQueue) PostTaskWithTraits(task Task, traits TaskTraits) {
	q.enqueue(newQueuedTask(task, traits))
}

// PostDelayedTask submits task after delay.
func (q *ExecutionQueue) PostDelayedTask(task Task, delay time.Duration) {
	q.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

func (q *ExecutionQueue) postTaskWithDropHook(task Task, traits TaskTraits, onDrop func()) {
	item := newQueuedTask(task, traits)
	item.onDrop = onDrop
	q.enqueue(item)
}

// PostDelayedTaskWithTraits hands task to the pool's delay manager, which
// submits it to this queue once delay has elapsed. Ordering relative to other
// tasks is decided at that moment, not at the time of this call.
func (q *ExecutionQueue) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) {
	if q.isClosed() {
		q.reject("closed")
		return
	}
	q.threadPool.PostDelayedInternal(task, delay, traits, q)
}

// PostTaskAndReply runs task here, then posts reply to replyRunner.
func (q *ExecutionQueue) PostTaskAndReply(task Task, reply Task, replyRunner TaskRunner) {
	PostTaskAndReply(q, task, reply, replyRunner, DefaultTaskTraits())
}

// SubmitAndWait submits task and blocks until it has finished.
//
// When called from a task already running on this queue, the caller is the
// queue's consumer: a serial queue first runs every task still pending,
// inline and in order, then runs task inline; a concurrent queue runs task
// inline straight away. Neither case deadlocks. A barrier cannot run inline
// on a concurrent queue, since it would have to wait for its own caller; that
// call returns ErrBarrierFromQueue without running task.
//
// Returns the task's *WorkItemFailure if it panicked, ctx.Err() if ctx ends
// first (the task still runs), ErrQueueClosed, or ErrPoolStopped when the
// pool stopped before task could run.
func (q *ExecutionQueue) SubmitAndWait(ctx context.Context, task Task) error {
	return q.SubmitAndWaitWithTraits(ctx, task, DefaultTaskTraits())
}

// SubmitAndWaitWithTraits is SubmitAndWait with explicit traits.
func (q *ExecutionQueue) SubmitAndWaitWithTraits(ctx context.Context, task Task, traits TaskTraits) error {
	if q.isClosed() {
		return q.closedErr()
	}

	if GetCurrentTaskRunner(ctx) == TaskRunner(q) {
		if q.mode == ModeConcurrent && traits.Barrier {
			return ErrBarrierFromQueue
		}
		return q.runInline(ctx, newQueuedTask(task, traits))
	}

	var failure *WorkItemFailure
	done := make(chan struct{})
	item := newQueuedTask(func(ctx context.Context) {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				failure = NewPanicFailure("", q.label, rec, debug.Stack())
				panic(rec)
			}
		}()
		task(ctx)
	}, traits)
	item.name = resolveTaskName(task, traits.Name)
	if !q.enqueue(item) {
		return q.closedErr()
	}

	select {
	case <-done:
		if failure != nil {
			failure.ID = item.id.String()
			return failure
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closedCh:
		return q.closedErr()
	}
}

// runInline runs item on the calling goroutine, which is already executing a
// task of this queue.
func (q *ExecutionQueue) runInline(ctx context.Context, item queuedTask) error {
	if q.mode == ModeSerial {
		q.mu.Lock()
		drained := make([]queuedTask, 0, q.pending.Len())
		for q.pending.Len() > 0 {
			drained = append(drained, q.pending.PopFront())
		}
		q.mu.Unlock()
		q.config.Metrics.RecordQueueDepth(q.label, 0)

		for _, earlier := range drained {
			q.observer.run(ctx, earlier)
		}
	}

	if failure := q.observer.run(ctx, item); failure != nil {
		return failure
	}
	return nil
}

// WaitIdle blocks until every task submitted before the call has finished.
// It posts a barrier and waits for it to run. From a task of this queue it
// behaves like an inline barrier SubmitAndWait.
func (q *ExecutionQueue) WaitIdle(ctx context.Context) error {
	if q.isClosed() {
		return q.closedErr()
	}
	if GetCurrentTaskRunner(ctx) == TaskRunner(q) {
		return q.SubmitAndWaitWithTraits(ctx, func(context.Context) {}, TaskTraits{Barrier: true, Name: "wait-idle"})
	}

	done := make(chan struct{})
	item := newQueuedTask(func(context.Context) { close(done) }, TaskTraits{Priority: TaskPriorityHigh, Barrier: true, Name: "wait-idle"})
	if !q.enqueue(item) {
		return q.closedErr()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closedCh:
		return q.closedErr()
	}
}

// Shutdown stops accepting tasks and drops every pending task. Running tasks
// finish normally. Safe to call more than once and from within a task.
func (q *ExecutionQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.drainPendingLocked()
	close(q.closedCh)
	q.releaseLocked()
	q.mu.Unlock()

	for _, item := range dropped {
		item.drop()
	}
	q.config.Metrics.RecordQueueDepth(q.label, 0)
	q.config.Logger.Debug("execution queue shut down", F("queue", q.label), F("dropped", len(dropped)))
}

// watchPool closes the queue once the pool is done, unless the queue has
// been shut down and drained first.
func (q *ExecutionQueue) watchPool(poolDone <-chan struct{}) {
	select {
	case <-poolDone:
		q.poolStopped()
	case <-q.released:
	}
}

// poolStopped closes the queue and drops the tasks the pool will never run:
// everything pending and everything posted but not yet started.
func (q *ExecutionQueue) poolStopped() {
	q.mu.Lock()
	if q.poolGone || q.releasedOnce {
		// Already shut down with nothing left for the pool to run.
		q.mu.Unlock()
		return
	}
	q.poolGone = true
	dropped := q.drainPendingLocked()
	for id, item := range q.inflight {
		delete(q.inflight, id)
		q.running--
		if item.traits.Barrier {
			q.barrierRunning = false
		}
		dropped = append(dropped, item)
	}
	if !q.closed {
		q.closed = true
		close(q.closedCh)
	}
	q.releaseLocked()
	q.mu.Unlock()

	for _, item := range dropped {
		q.reject("pool stopped")
		item.drop()
	}
	q.config.Metrics.RecordQueueDepth(q.label, 0)
	if len(dropped) > 0 {
		q.config.Logger.Warn("thread pool stopped with queued work", F("queue", q.label), F("dropped", len(dropped)))
	}
}

func (q *ExecutionQueue) drainPendingLocked() []queuedTask {
	dropped := make([]queuedTask, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		dropped = append(dropped, q.pending.PopFront())
	}
	return dropped
}

// releaseLocked stops the pool watcher once nothing can be dropped any more.
func (q *ExecutionQueue) releaseLocked() {
	if q.closed && q.running == 0 && !q.releasedOnce {
		q.releasedOnce = true
		close(q.released)
	}
}

func (q *ExecutionQueue) closedErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.poolGone {
		return ErrPoolStopped
	}
	return ErrQueueClosed
}

func (q *ExecutionQueue) poolDone() bool {
	select {
	case <-q.threadPool.Done():
		return true
	default:
		return false
	}
}

// Stats returns current observability data for this queue.
func (q *ExecutionQueue) Stats() QueueStats {
	q.mu.Lock()
	stats := QueueStats{
		Name:           q.label,
		Type:           q.mode.String(),
		Pending:        q.pending.Len(),
		Running:        q.running,
		Closed:         q.closed,
		BarrierRunning: q.barrierRunning,
	}
	q.mu.Unlock()

	stats.Rejected = q.rejected.Load()
	stats.LastTaskName, stats.LastTaskAt = q.observer.lastTask()
	return stats
}

// RecentTasks returns completed task execution records in newest-first order.
func (q *ExecutionQueue) RecentTasks(limit int) []TaskExecutionRecord {
	return q.observer.history.Recent(limit)
}

func (q *ExecutionQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *ExecutionQueue) reject(reason string) {
	q.rejected.Add(1)
	q.config.RejectedTaskHandler.HandleRejectedTask(q.label, reason)
	q.config.Metrics.RecordTaskRejected(q.label, reason)
}

// enqueue appends item and starts whatever became runnable. It reports false
// when the queue is closed.
func (q *ExecutionQueue) enqueue(item queuedTask) bool {
	if q.poolDone() {
		q.poolStopped()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.reject("closed")
		item.drop()
		return false
	}
	q.pending.PushBack(item)
	depth := q.pending.Len()
	runnable := q.takeRunnableLocked()
	q.mu.Unlock()

	q.config.Metrics.RecordQueueDepth(q.label, depth)
	q.dispatch(runnable)
	return true
}

// takeRunnableLocked pops every task that may start now, in order, and
// accounts for them as running. Must be called with q.mu held.
func (q *ExecutionQueue) takeRunnableLocked() []queuedTask {
	var runnable []queuedTask
	for q.pending.Len() > 0 && !q.barrierRunning {
		head := q.pending.Front()
		if head.traits.Barrier {
			if q.running > 0 {
				break
			}
			q.pending.PopFront()
			q.running++
			q.barrierRunning = true
			q.inflight[head.id] = head
			runnable = append(runnable, head)
			break
		}
		if q.limit > 0 && q.running >= q.limit {
			break
		}
		q.pending.PopFront()
		q.running++
		q.inflight[head.id] = head
		runnable = append(runnable, head)
	}
	return runnable
}

// dispatch posts runnable to the pool. A pool that refuses work takes the
// queue down with it.
func (q *ExecutionQueue) dispatch(runnable []queuedTask) {
	for _, item := range runnable {
		if !q.threadPool.PostInternal(q.wrap(item), item.traits) {
			q.poolStopped()
			return
		}
	}
}

// wrap binds item to this queue: the task sees the queue as its current
// runner, and completion releases the next runnable tasks. An item already
// dropped by poolStopped does nothing.
func (q *ExecutionQueue) wrap(item queuedTask) Task {
	return func(ctx context.Context) {
		q.mu.Lock()
		_, ok := q.inflight[item.id]
		delete(q.inflight, item.id)
		q.mu.Unlock()
		if !ok {
			return
		}

		defer q.onTaskComplete(item)
		q.observer.run(withTaskRunner(ctx, q), item)
	}
}

func (q *ExecutionQueue) onTaskComplete(item queuedTask) {
	q.mu.Lock()
	q.running--
	if item.traits.Barrier && q.barrierRunning {
		q.barrierRunning = false
	}
	var runnable []queuedTask
	if !q.closed {
		runnable = q.takeRunnableLocked()
	}
	q.releaseLocked()
	depth := q.pending.Len()
	q.mu.Unlock()

	if len(runnable) > 0 {
		q.config.Metrics.RecordQueueDepth(q.label, depth)
	}
	q.dispatch(runnable)
}

func (q *ExecutionQueue) String() string {
	return fmt.Sprintf("ExecutionQueue(%s, %s)", q.label, q.mode)
}
