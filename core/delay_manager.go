package core

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// delayedTask is a task waiting for its run time.
type delayedTask struct {
	runAt  time.Time
	seq    uint64
	task   Task
	traits TaskTraits
	target TaskRunner
}

// delayHeap orders delayed tasks by run time, then by submission order so
// tasks sharing a deadline are delivered FIFO.
type delayHeap []*delayedTask

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].runAt.Equal(h[j].runAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].runAt.Before(h[j].runAt)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(*delayedTask)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// DelayManager holds delayed tasks and posts each to its target runner once
// due. One goroutine serves every delayed task of a pool.
type DelayManager struct {
	mu      sync.Mutex
	pending delayHeap
	nextSeq uint64

	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDelayManager() *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	go dm.loop()
	return dm
}

// AddDelayedTask schedules task to be posted to target after delay.
func (dm *DelayManager) AddDelayedTask(task Task, delay time.Duration, traits TaskTraits, target TaskRunner) {
	if dm.ctx.Err() != nil {
		return
	}

	dm.mu.Lock()
	item := &delayedTask{
		runAt:  time.Now().Add(delay),
		seq:    dm.nextSeq,
		task:   task,
		traits: traits,
		target: target,
	}
	dm.nextSeq++
	heap.Push(&dm.pending, item)
	earliest := dm.pending[0] == item
	dm.mu.Unlock()

	if earliest {
		select {
		case dm.wakeup <- struct{}{}:
		default:
		}
	}
}

func (dm *DelayManager) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, ok := dm.nextWait()
		if !ok {
			wait = time.Hour
		}
		timer.Reset(wait)

		select {
		case <-dm.ctx.Done():
			return
		case <-timer.C:
			dm.fireExpired()
		case <-dm.wakeup:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

// nextWait returns the time until the earliest task is due; ok is false when
// nothing is pending.
func (dm *DelayManager) nextWait() (time.Duration, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if len(dm.pending) == 0 {
		return 0, false
	}
	return max(time.Until(dm.pending[0].runAt), 0), true
}

// fireExpired posts every due task. Posting happens outside the lock.
func (dm *DelayManager) fireExpired() {
	now := time.Now()

	dm.mu.Lock()
	var due []*delayedTask
	for len(dm.pending) > 0 && !dm.pending[0].runAt.After(now) {
		due = append(due, heap.Pop(&dm.pending).(*delayedTask))
	}
	dm.mu.Unlock()

	for _, item := range due {
		item.target.PostTaskWithTraits(item.task, item.traits)
	}
}

// Stop terminates the timer goroutine and drops every pending task.
func (dm *DelayManager) Stop() {
	dm.cancel()

	dm.mu.Lock()
	dm.pending = nil
	dm.mu.Unlock()
}

func (dm *DelayManager) TaskCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.pending)
}
