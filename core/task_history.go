package core

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const defaultTaskHistoryCapacity = 100

// TaskID identifies a submitted task within the process.
type TaskID uint64

var lastTaskID atomic.Uint64

// GenerateTaskID returns a process-unique task id.
func GenerateTaskID() TaskID {
	return TaskID(lastTaskID.Add(1))
}

func (id TaskID) String() string {
	return "task-" + strconv.FormatUint(uint64(id), 10)
}

type executionHistory struct {
	mu    sync.Mutex
	items []TaskExecutionRecord
	head  int
	count int
}

func newExecutionHistory(capacity int) *executionHistory {
	if capacity < 1 {
		capacity = defaultTaskHistoryCapacity
	}
	return &executionHistory{items: make([]TaskExecutionRecord, capacity)}
}

func (h *executionHistory) Add(record TaskExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.head] = record
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// Recent returns up to limit records, newest first. limit <= 0 means all.
func (h *executionHistory) Recent(limit int) []TaskExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return nil
	}
	if limit <= 0 || limit > h.count {
		limit = h.count
	}

	out := make([]TaskExecutionRecord, 0, limit)
	for i := range limit {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}

func (h *executionHistory) Last() (TaskExecutionRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return TaskExecutionRecord{}, false
	}
	idx := (h.head - 1 + len(h.items)) % len(h.items)
	return h.items[idx], true
}

func resolveTaskName(task Task, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if task == nil {
		return "anonymous"
	}

	v := reflect.ValueOf(task)
	if v.Kind() != reflect.Func || v.Pointer() == 0 {
		return "anonymous"
	}
	fn := runtime.FuncForPC(v.Pointer())
	if fn == nil || fn.Name() == "" {
		return "anonymous"
	}
	return fn.Name()
}

// =============================================================================
// taskObserver: shared execution wrapper for queues
// =============================================================================

// queuedTask is a task accepted by a queue, stamped at submission time.
type queuedTask struct {
	id     TaskID
	name   string
	task   Task
	traits TaskTraits

	// ref, when set, names the item in failures instead of id.
	ref string

	// onDrop runs when the queue discards the item without running it.
	onDrop func()
}

func (t queuedTask) drop() {
	if t.onDrop != nil {
		t.onDrop()
	}
}

// dropNotifier is implemented by runners that can report tasks they accepted
// but will never run.
type dropNotifier interface {
	postTaskWithDropHook(task Task, traits TaskTraits, onDrop func())
}

func newQueuedTask(task Task, traits TaskTraits) queuedTask {
	return queuedTask{
		id:     GenerateTaskID(),
		name:   resolveTaskName(task, traits.Name),
		task:   task,
		traits: traits,
	}
}

// taskObserver runs queued tasks for one queue: it recovers panics, reports
// failures to the ErrorSink, records metrics and keeps the execution history.
type taskObserver struct {
	queueName string
	queueType string
	config    SchedulerConfig
	history   *executionHistory
}

func newTaskObserver(queueName, queueType string, config SchedulerConfig) *taskObserver {
	return &taskObserver{
		queueName: queueName,
		queueType: queueType,
		config:    config,
		history:   newExecutionHistory(defaultTaskHistoryCapacity),
	}
}

// run executes item on the calling goroutine and returns its failure, if any.
func (o *taskObserver) run(ctx context.Context, item queuedTask) (failure *WorkItemFailure) {
	startedAt := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			ref := item.ref
			if ref == "" {
				ref = item.id.String()
			}
			failure = NewPanicFailure(ref, o.queueName, rec, debug.Stack())
		}
		finishedAt := time.Now()
		o.history.Add(TaskExecutionRecord{
			TaskID:     item.id,
			Name:       item.name,
			QueueName:  o.queueName,
			QueueType:  o.queueType,
			Priority:   item.traits.Priority,
			Barrier:    item.traits.Barrier,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
			Duration:   finishedAt.Sub(startedAt),
			Panicked:   failure != nil,
		})
		o.config.Metrics.RecordTaskDuration(o.queueName, item.traits.Priority, finishedAt.Sub(startedAt))
		if failure != nil {
			o.config.Metrics.RecordTaskFailure(o.queueName, true)
			o.config.ErrorSink.ReportFailure(ctx, failure)
		}
	}()

	if item.task == nil {
		panic(fmt.Sprintf("task %s is nil", item.id))
	}
	item.task(ctx)
	return nil
}

func (o *taskObserver) lastTask() (string, time.Time) {
	if last, ok := o.history.Last(); ok {
		return last.Name, last.FinishedAt
	}
	return "", time.Time{}
}
