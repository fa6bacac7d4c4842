package core

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
)

// OperationQueue runs Operations on a ThreadPool with bounded concurrency,
// respecting dependencies and priorities.
//
// An operation becomes Ready once every dependency has Completed. Among Ready
// operations the highest priority starts first; equal priorities start in
// submission order. At most maxConcurrency operations run at once.
//
// A dependency that Fails, is Cancelled or is itself Blocked turns its Pending
// dependents Blocked, transitively. Running operations are never interrupted.
//
// If the pool stops, operations handed to it but not yet started become
// Failed with ErrPoolStopped, the rest are Cancelled and the queue closes.
type OperationQueue struct {
	name           string
	threadPool     ThreadPool
	maxConcurrency int
	config         SchedulerConfig
	observer       *taskObserver
	opMetrics      OperationMetrics // nil unless config.Metrics implements it

	mu         sync.Mutex
	entries    map[string]*operationEntry
	dependents map[string][]string
	ready      operationHeap
	nextSeq    uint64
	running    int
	unfinished int
	idle       chan struct{}
	suspended  bool
	closed     bool
	poolGone   bool

	released     chan struct{} // closed once closed and nothing is running
	releasedOnce bool
}

type operationEntry struct {
	op       *Operation
	priority TaskPriority
	deps     []string
	seq      uint64

	state     OperationState
	started   bool
	remaining int
	failure   *WorkItemFailure
	done      chan struct{}

	index int // heap index while Ready
}

// NewOperationQueue creates a queue that runs at most maxConcurrency
// operations at once on threadPool. maxConcurrency below 1 is treated as 1.
// Only WithSchedulerConfig is honoured among the options.
func NewOperationQueue(name string, threadPool ThreadPool, maxConcurrency int, opts ...QueueOption) *OperationQueue {
	if threadPool == nil {
		panic("OperationQueue: threadPool must not be nil")
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}
	config := configFromPool(threadPool)
	if o.config != nil {
		config = o.config.withDefaults()
	}

	idle := make(chan struct{})
	close(idle)

	q := &OperationQueue{
		name:           name,
		threadPool:     threadPool,
		maxConcurrency: maxConcurrency,
		config:         config,
		observer:       newTaskObserver(name, "operation", config),
		entries:        make(map[string]*operationEntry),
		dependents:     make(map[string][]string),
		idle:           idle,
		released:       make(chan struct{}),
	}
	q.opMetrics, _ = config.Metrics.(OperationMetrics)
	if poolDone := threadPool.Done(); poolDone != nil {
		go q.watchPool(poolDone)
	}
	return q
}

// Name returns the queue's name.
func (q *OperationQueue) Name() string {
	return q.name
}

// MaxConcurrency returns the running-operation bound.
func (q *OperationQueue) MaxConcurrency() int {
	return q.maxConcurrency
}

// AddOperation submits a single operation. See AddOperations.
func (q *OperationQueue) AddOperation(op *Operation) error {
	return q.AddOperations([]*Operation{op}, false)
}

// AddOperations validates and submits ops as one batch. Operations in the
// batch may depend on each other and on operations submitted earlier.
//
// Nothing is submitted if any check fails: ErrQueueClosed, ErrPoolStopped,
// ErrDuplicateOperation, ErrUnknownDependency, or a *CyclicDependencyError.
//
// With waitUntilFinished the call blocks until every operation of the batch
// reached a terminal state. Do not wait from inside an operation of a queue
// whose pool has no spare worker.
func (q *OperationQueue) AddOperations(ops []*Operation, waitUntilFinished bool) error {
	if q.poolDone() {
		q.poolStopped()
	}

	q.mu.Lock()
	entries, order, err := q.validateLocked(ops)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if len(entries) == 0 {
		q.mu.Unlock()
		return nil
	}

	for _, e := range entries {
		e.op.freeze()
	}
	for _, e := range entries {
		e.seq = q.nextSeq
		q.nextSeq++
		q.entries[e.op.id] = e
		for _, dep := range e.deps {
			q.dependents[dep] = append(q.dependents[dep], e.op.id)
		}
	}
	if q.unfinished == 0 {
		q.idle = make(chan struct{})
	}
	q.unfinished += len(entries)

	// Dependencies first, so a batch member whose dependency is Blocked
	// already sees that state.
	for _, id := range order {
		q.admitLocked(q.entries[id])
	}
	runnable := q.startReadyLocked()
	q.mu.Unlock()

	q.config.Logger.Debug("operations added", F("queue", q.name), F("count", len(entries)))
	q.dispatch(runnable)

	if waitUntilFinished {
		for _, e := range entries {
			<-e.done
		}
	}
	return nil
}

// validateLocked checks a batch and returns its entries in submission order
// plus a dependency-first order of their ids.
func (q *OperationQueue) validateLocked(ops []*Operation) ([]*operationEntry, []string, error) {
	if q.closed {
		if q.poolGone {
			return nil, nil, ErrPoolStopped
		}
		return nil, nil, ErrQueueClosed
	}

	entries := make([]*operationEntry, 0, len(ops))
	batch := make(map[string]*operationEntry, len(ops))
	for _, op := range ops {
		if op == nil {
			continue
		}
		if _, exists := q.entries[op.id]; exists {
			return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateOperation, op.id)
		}
		if _, exists := batch[op.id]; exists {
			return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateOperation, op.id)
		}
		if op.isFrozen() {
			return nil, nil, fmt.Errorf("%w: %q was already submitted", ErrDuplicateOperation, op.id)
		}
		e := &operationEntry{
			op:       op,
			priority: op.Priority(),
			deps:     op.Dependencies(),
			done:     make(chan struct{}),
			index:    -1,
		}
		entries = append(entries, e)
		batch[op.id] = e
	}

	for _, e := range entries {
		for _, dep := range e.deps {
			_, known := q.entries[dep]
			if _, inBatch := batch[dep]; !known && !inBatch {
				return nil, nil, fmt.Errorf("%w: %q depends on %q", ErrUnknownDependency, e.op.id, dep)
			}
		}
	}

	order, err := batchOrder(entries, batch)
	if err != nil {
		return nil, nil, err
	}
	return entries, order, nil
}

// batchOrder sorts the batch dependencies-first with a depth-first search and
// reports the first cycle it meets. Earlier operations can never depend on
// batch members, so every cycle lies inside the batch.
func batchOrder(entries []*operationEntry, batch map[string]*operationEntry) ([]string, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(entries))
	order := make([]string, 0, len(entries))
	var path []string

	var visit func(e *operationEntry) error
	visit = func(e *operationEntry) error {
		id := e.op.id
		switch marks[id] {
		case visited:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), id)
			return &CyclicDependencyError{Cycle: cycle}
		}

		marks[id] = visiting
		path = append(path, id)
		for _, dep := range e.deps {
			if next, ok := batch[dep]; ok {
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		marks[id] = visited
		order = append(order, id)
		return nil
	}

	for _, e := range entries {
		if err := visit(e); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// admitLocked sets the initial state of a newly added entry.
func (q *OperationQueue) admitLocked(e *operationEntry) {
	if e.state.IsTerminal() {
		// Blocked while an earlier batch member was admitted.
		return
	}
	for _, dep := range e.deps {
		switch q.entries[dep].state {
		case OperationCompleted:
		case OperationFailed, OperationCancelled, OperationBlocked:
			q.finishLocked(e, OperationBlocked, nil)
			return
		default:
			e.remaining++
		}
	}
	if e.remaining == 0 {
		e.state = OperationReady
		heap.Push(&q.ready, e)
		return
	}
	e.state = OperationPending
}

// Cancel cancels a Pending or Ready operation. Its Pending dependents become
// Blocked. Returns ErrOperationNotFound or ErrNotCancellable otherwise.
func (q *OperationQueue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrOperationNotFound, id)
	}
	if !q.cancelLocked(e) {
		return fmt.Errorf("%w: %q is %s", ErrNotCancellable, id, e.state)
	}
	return nil
}

// CancelAll cancels every Pending and Ready operation and returns how many
// were cancelled. Running operations finish normally.
func (q *OperationQueue) CancelAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelAllLocked()
}

func (q *OperationQueue) cancelAllLocked() int {
	byAge := make([]*operationEntry, q.nextSeq)
	for _, e := range q.entries {
		byAge[e.seq] = e
	}

	cancelled := 0
	for _, e := range byAge {
		if e != nil && q.cancelLocked(e) {
			cancelled++
		}
	}
	return cancelled
}

func (q *OperationQueue) cancelLocked(e *operationEntry) bool {
	switch e.state {
	case OperationReady:
		heap.Remove(&q.ready, e.index)
	case OperationPending:
	default:
		return false
	}
	q.finishLocked(e, OperationCancelled, nil)
	return true
}

// SetSuspended pauses or resumes the start of Ready operations. Running
// operations are not affected.
func (q *OperationQueue) SetSuspended(suspended bool) {
	q.mu.Lock()
	q.suspended = suspended
	var runnable []*operationEntry
	if !suspended {
		runnable = q.startReadyLocked()
	}
	q.mu.Unlock()

	q.dispatch(runnable)
}

// IsSuspended reports whether the queue is suspended.
func (q *OperationQueue) IsSuspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspended
}

// State returns the current state of the operation with the given id.
func (q *OperationQueue) State(id string) (OperationState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrOperationNotFound, id)
	}
	return e.state, nil
}

// Err returns the *WorkItemFailure of a Failed operation, or nil.
func (q *OperationQueue) Err(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.failure == nil {
		return nil
	}
	return e.failure
}

// WaitUntilAllOperationsAreFinished blocks until every submitted operation
// is in a terminal state, or ctx ends.
func (q *OperationQueue) WaitUntilAllOperationsAreFinished(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown rejects further submissions and cancels everything not yet
// running.
func (q *OperationQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cancelled := q.cancelAllLocked()
	q.releaseLocked()
	q.mu.Unlock()

	q.config.Logger.Debug("operation queue shut down", F("queue", q.name), F("cancelled", cancelled))
}

func (q *OperationQueue) watchPool(poolDone <-chan struct{}) {
	select {
	case <-poolDone:
		q.poolStopped()
	case <-q.released:
	}
}

// poolStopped closes the queue after its pool went away. Operations posted
// but never started fail with ErrPoolStopped; everything still waiting is
// cancelled.
func (q *OperationQueue) poolStopped() {
	q.mu.Lock()
	if q.poolGone || q.releasedOnce {
		// Already shut down with nothing left for the pool to run.
		q.mu.Unlock()
		return
	}
	q.poolGone = true
	q.closed = true

	byAge := make([]*operationEntry, q.nextSeq)
	for _, e := range q.entries {
		byAge[e.seq] = e
	}
	var failed []*WorkItemFailure
	for _, e := range byAge {
		if e == nil || e.state != OperationRunning || e.started {
			continue
		}
		q.running--
		failure := &WorkItemFailure{ID: e.op.id, Queue: q.name, Err: ErrPoolStopped}
		q.finishLocked(e, OperationFailed, failure)
		failed = append(failed, failure)
	}
	cancelled := q.cancelAllLocked()
	q.releaseLocked()
	q.mu.Unlock()

	for _, failure := range failed {
		q.config.Metrics.RecordTaskFailure(q.name, false)
		q.config.ErrorSink.ReportFailure(context.Background(), failure)
	}
	if len(failed) > 0 || cancelled > 0 {
		q.config.Logger.Warn("thread pool stopped with queued operations",
			F("queue", q.name), F("failed", len(failed)), F("cancelled", cancelled))
	}
}

func (q *OperationQueue) releaseLocked() {
	if q.closed && q.running == 0 && !q.releasedOnce {
		q.releasedOnce = true
		close(q.released)
	}
}

func (q *OperationQueue) poolDone() bool {
	select {
	case <-q.threadPool.Done():
		return true
	default:
		return false
	}
}

// Stats returns counts of operations by state.
func (q *OperationQueue) Stats() OperationQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := OperationQueueStats{
		Name:           q.name,
		MaxConcurrency: q.maxConcurrency,
		Suspended:      q.suspended,
	}
	for _, e := range q.entries {
		switch e.state {
		case OperationPending:
			stats.Pending++
		case OperationReady:
			stats.Ready++
		case OperationRunning:
			stats.Running++
		case OperationCompleted:
			stats.Completed++
		case OperationFailed:
			stats.Failed++
		case OperationCancelled:
			stats.Cancelled++
		case OperationBlocked:
			stats.Blocked++
		}
	}
	return stats
}

// RecentTasks returns executed operations in newest-first order.
func (q *OperationQueue) RecentTasks(limit int) []TaskExecutionRecord {
	return q.observer.history.Recent(limit)
}

// startReadyLocked moves Ready operations to Running while slots are free.
func (q *OperationQueue) startReadyLocked() []*operationEntry {
	if q.suspended || q.closed {
		return nil
	}
	var runnable []*operationEntry
	for q.running < q.maxConcurrency && q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*operationEntry)
		e.state = OperationRunning
		q.running++
		runnable = append(runnable, e)
	}
	return runnable
}

// finishLocked moves e to a terminal state and updates its dependents.
func (q *OperationQueue) finishLocked(e *operationEntry, state OperationState, failure *WorkItemFailure) {
	e.state = state
	e.failure = failure
	if q.opMetrics != nil {
		q.opMetrics.RecordOperationFinished(q.name, state)
	}
	close(e.done)

	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
	}

	for _, id := range q.dependents[e.op.id] {
		d := q.entries[id]
		if d.state != OperationPending {
			continue
		}
		if state != OperationCompleted {
			q.finishLocked(d, OperationBlocked, nil)
			continue
		}
		d.remaining--
		if d.remaining == 0 {
			d.state = OperationReady
			heap.Push(&q.ready, d)
		}
	}
}

func (q *OperationQueue) dispatch(runnable []*operationEntry) {
	for _, e := range runnable {
		if !q.threadPool.PostInternal(q.wrap(e), TaskTraits{Priority: e.priority, Name: e.op.id}) {
			q.poolStopped()
			return
		}
	}
}

func (q *OperationQueue) wrap(e *operationEntry) Task {
	return func(ctx context.Context) {
		q.mu.Lock()
		if e.state != OperationRunning {
			// Failed by poolStopped before a worker got to it.
			q.mu.Unlock()
			return
		}
		e.started = true
		q.mu.Unlock()

		var err error
		item := queuedTask{
			id:     GenerateTaskID(),
			name:   e.op.id,
			traits: TaskTraits{Priority: e.priority, Name: e.op.id},
			ref:    e.op.id,
		}
		item.task = func(ctx context.Context) {
			if e.op.fn != nil {
				err = e.op.fn(ctx)
			}
		}

		failure := q.observer.run(ctx, item)
		if failure == nil && err != nil {
			failure = asFailure(e.op.id, q.name, err)
			q.config.Metrics.RecordTaskFailure(q.name, false)
			q.config.ErrorSink.ReportFailure(ctx, failure)
		}
		q.onOperationDone(e, failure)
	}
}

func (q *OperationQueue) onOperationDone(e *operationEntry, failure *WorkItemFailure) {
	state := OperationCompleted
	if failure != nil {
		state = OperationFailed
	}

	q.mu.Lock()
	q.running--
	q.finishLocked(e, state, failure)
	runnable := q.startReadyLocked()
	q.releaseLocked()
	q.mu.Unlock()

	q.dispatch(runnable)
}

// operationHeap orders Ready operations by priority, then submission order.
type operationHeap []*operationEntry

func (h operationHeap) Len() int { return len(h) }

func (h operationHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h operationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *operationHeap) Push(x any) {
	e := x.(*operationEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *operationHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
