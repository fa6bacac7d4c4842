package core

import (
	"context"
	"sync"
)

// TaskGroup tracks a set of outstanding work items and notifies when all of
// them have finished.
//
// The counter starts at zero. Enter adds one, Leave removes one. Every time
// the counter drops to zero, the callbacks registered so far fire exactly once
// and are then discarded. Notify on an idle group fires immediately.
type TaskGroup struct {
	mu          sync.Mutex
	outstanding int
	callbacks   []func()
	idle        chan struct{}
}

// NewTaskGroup returns an idle group.
func NewTaskGroup() *TaskGroup {
	idle := make(chan struct{})
	close(idle)
	return &TaskGroup{idle: idle}
}

// Enter records one more outstanding item.
func (g *TaskGroup) Enter() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.outstanding == 0 {
		g.idle = make(chan struct{})
	}
	g.outstanding++
}

// Leave marks one item as finished. A Leave without a matching Enter leaves
// the counter untouched and returns ErrUnbalancedGroup.
func (g *TaskGroup) Leave() error {
	g.mu.Lock()
	if g.outstanding == 0 {
		g.mu.Unlock()
		return ErrUnbalancedGroup
	}
	g.outstanding--
	if g.outstanding > 0 {
		g.mu.Unlock()
		return nil
	}

	callbacks := g.callbacks
	g.callbacks = nil
	idle := g.idle
	g.mu.Unlock()

	// Waiters are released after the callbacks ran, or after one of them
	// panicked.
	defer close(idle)
	for _, cb := range callbacks {
		cb()
	}
	return nil
}

// Notify registers cb to run once the group becomes idle. cb runs on the
// goroutine that performs the final Leave, or right away if the group is
// already idle.
func (g *TaskGroup) Notify(cb func()) {
	g.mu.Lock()
	if g.outstanding == 0 {
		g.mu.Unlock()
		cb()
		return
	}
	g.callbacks = append(g.callbacks, cb)
	g.mu.Unlock()
}

// NotifyOn posts task to runner once the group becomes idle.
func (g *TaskGroup) NotifyOn(runner TaskRunner, task Task) {
	g.Notify(func() {
		runner.PostTask(task)
	})
}

// Go enters the group, posts task to runner and leaves when task returns,
// whether it returns normally or panics. When runner is one of this package's
// queues, the group also leaves if the queue rejects or drops task.
func (g *TaskGroup) Go(runner TaskRunner, task Task) {
	g.GoWithTraits(runner, task, DefaultTaskTraits())
}

// GoWithTraits is Go with explicit traits.
func (g *TaskGroup) GoWithTraits(runner TaskRunner, task Task, traits TaskTraits) {
	g.Enter()
	var once sync.Once
	leave := func() {
		once.Do(func() { _ = g.Leave() })
	}
	wrapped := func(ctx context.Context) {
		defer leave()
		task(ctx)
	}

	if dn, ok := runner.(dropNotifier); ok {
		dn.postTaskWithDropHook(wrapped, traits, leave)
		return
	}
	runner.PostTaskWithTraits(wrapped, traits)
}

// Wait blocks until the group is idle or ctx ends.
func (g *TaskGroup) Wait(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outstanding returns the number of items entered but not yet left.
func (g *TaskGroup) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}
