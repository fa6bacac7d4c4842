package core

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
)

type mainQueueKeyType struct{}

var mainQueueKey mainQueueKeyType

// MainQueue is the single-threaded cooperative "main" context.
//
// Tasks posted to it only run when the owning goroutine pumps the queue with
// RunPending or Run, so they all run on that goroutine (thread affinity) and
// strictly in submission order. The owner marks its own context with Bind;
// tasks executed by the pump receive a bound context as well.
//
// Key differences from an ExecutionQueue in serial mode:
//   - ExecutionQueue: tasks run one at a time on pool workers, any worker
//   - MainQueue: tasks run one at a time on the pumping goroutine only
type MainQueue struct {
	name string

	mu       sync.Mutex
	pending  deque.Deque[queuedTask]
	closed   bool
	closedCh chan struct{}
	wakeup   chan struct{}

	running  atomic.Int32
	rejected atomic.Int64
	config   SchedulerConfig
	observer *taskObserver
}

// NewMainQueue creates a main queue. Only WithSchedulerConfig is honoured
// among the options.
func NewMainQueue(name string, opts ...QueueOption) *MainQueue {
	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}
	config := o.config.withDefaults()
	if name == "" {
		name = "main"
	}

	return &MainQueue{
		name:     name,
		closedCh: make(chan struct{}),
		wakeup:   make(chan struct{}, 1),
		config:   config,
		observer: newTaskObserver(name, "main", config),
	}
}

// Name returns the queue's name.
func (q *MainQueue) Name() string {
	return q.name
}

// Bind returns ctx marked as this queue's main context. The goroutine that
// pumps the queue should use the bound context for its own calls.
func (q *MainQueue) Bind(ctx context.Context) context.Context {
	if q.IsMainContext(ctx) {
		return ctx
	}
	return withTaskRunner(context.WithValue(ctx, mainQueueKey, q), q)
}

// IsMainContext reports whether ctx was bound to this queue.
func (q *MainQueue) IsMainContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(mainQueueKey).(*MainQueue)
	return owner == q
}

// PostTask submits task with default traits.
func (q *MainQueue) PostTask(task Task) {
	q.PostTaskWithTraits(task, DefaultTaskTraits())
}

// PostTaskWithTraits records task and returns immediately. Traits only affect
// metrics and history; the main queue is strictly FIFO.
func (q *MainQueue) PostTaskWithTraits(task Task, traits TaskTraits) {
	q.enqueue(newQueuedTask(task, traits))
}

func (q *MainQueue) postTaskWithDropHook(task Task, traits TaskTraits, onDrop func()) {
	item := newQueuedTask(task, traits)
	item.onDrop = onDrop
	q.enqueue(item)
}

// PostDelayedTask submits task after delay.
func (q *MainQueue) PostDelayedTask(task Task, delay time.Duration) {
	q.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

// PostDelayedTaskWithTraits uses time.AfterFunc, so main-queue timers do not
// depend on any pool being alive.
func (q *MainQueue) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) {
	if q.IsClosed() {
		q.reject("closed")
		return
	}
	time.AfterFunc(delay, func() {
		q.PostTaskWithTraits(task, traits)
	})
}

// PostTaskAndReply runs task on the main queue, then posts reply to replyRunner.
func (q *MainQueue) PostTaskAndReply(task Task, reply Task, replyRunner TaskRunner) {
	PostTaskAndReply(q, task, reply, replyRunner, DefaultTaskTraits())
}

// RunPending runs queued tasks on the calling goroutine until the queue is
// empty, including tasks posted while it runs. It returns how many ran.
func (q *MainQueue) RunPending(ctx context.Context) int {
	ctx = q.Bind(ctx)
	ran := 0
	for {
		item, ok := q.pop()
		if !ok {
			return ran
		}
		q.execute(ctx, item)
		ran++
	}
}

// Run pumps the queue until ctx ends or the queue is shut down. It returns
// ctx.Err() in the first case and nil in the second.
func (q *MainQueue) Run(ctx context.Context) error {
	bound := q.Bind(ctx)
	for {
		q.RunPending(bound)

		select {
		case <-q.wakeup:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closedCh:
			return nil
		}
	}
}

// SubmitAndWait runs task on the main context and waits for it.
//
// Called from the main context (a bound ctx), every task still pending runs
// first, inline and in order, and then task runs inline: the caller is the
// only consumer, so waiting for anybody else would deadlock. Called from any
// other goroutine, task is queued and the caller blocks until the pump has
// run it.
func (q *MainQueue) SubmitAndWait(ctx context.Context, task Task) error {
	if q.IsClosed() {
		return ErrQueueClosed
	}

	if q.IsMainContext(ctx) {
		q.RunPending(ctx)
		if failure := q.execute(ctx, newQueuedTask(task, DefaultTaskTraits())); failure != nil {
			return failure
		}
		return nil
	}

	var failure *WorkItemFailure
	done := make(chan struct{})
	item := newQueuedTask(func(ctx context.Context) {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				failure = NewPanicFailure("", q.name, rec, debug.Stack())
				panic(rec)
			}
		}()
		task(ctx)
	}, DefaultTaskTraits())
	item.name = resolveTaskName(task, "")
	if !q.enqueue(item) {
		return ErrQueueClosed
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
		return ErrQueueClosed
	}
}

// Shutdown stops accepting tasks, drops pending ones and makes Run return.
func (q *MainQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := make([]queuedTask, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		dropped = append(dropped, q.pending.PopFront())
	}
	close(q.closedCh)
	q.mu.Unlock()

	for _, item := range dropped {
		item.drop()
	}
	q.config.Metrics.RecordQueueDepth(q.name, 0)
}

// IsClosed returns true if the queue has been shut down.
func (q *MainQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// PendingTaskCount returns the number of tasks waiting for the pump.
func (q *MainQueue) PendingTaskCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Stats returns current observability data for this queue.
func (q *MainQueue) Stats() QueueStats {
	q.mu.Lock()
	stats := QueueStats{
		Name:    q.name,
		Type:    "main",
		Pending: q.pending.Len(),
		Closed:  q.closed,
	}
	q.mu.Unlock()

	stats.Running = int(q.running.Load())
	stats.Rejected = q.rejected.Load()
	stats.LastTaskName, stats.LastTaskAt = q.observer.lastTask()
	return stats
}

// RecentTasks returns completed task execution records in newest-first order.
func (q *MainQueue) RecentTasks(limit int) []TaskExecutionRecord {
	return q.observer.history.Recent(limit)
}

func (q *MainQueue) execute(ctx context.Context, item queuedTask) *WorkItemFailure {
	q.running.Add(1)
	defer q.running.Add(-1)
	return q.observer.run(ctx, item)
}

func (q *MainQueue) enqueue(item queuedTask) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.reject("closed")
		item.drop()
		return false
	}
	q.pending.PushBack(item)
	depth := q.pending.Len()
	q.mu.Unlock()

	q.config.Metrics.RecordQueueDepth(q.name, depth)
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
	return true
}

func (q *MainQueue) pop() (queuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return queuedTask{}, false
	}
	return q.pending.PopFront(), true
}

func (q *MainQueue) reject(reason string) {
	q.rejected.Add(1)
	q.config.RejectedTaskHandler.HandleRejectedTask(q.name, reason)
	q.config.Metrics.RecordTaskRejected(q.name, reason)
}
