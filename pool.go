package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Swind/go-dispatch/core"
)

// GoroutineThreadPool manages a set of worker goroutines.
// Workers pull tasks from the pool's TaskScheduler and execute them.
type GoroutineThreadPool struct {
	id        string
	workers   int
	scheduler *core.TaskScheduler
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex

	done     chan struct{}
	doneOnce sync.Once
}

// NewGoroutineThreadPool creates a pool whose workers take tasks in FIFO order.
func NewGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewGoroutineThreadPoolWithConfig(id, workers, nil)
}

// NewGoroutineThreadPoolWithConfig is NewGoroutineThreadPool with explicit handlers.
func NewGoroutineThreadPoolWithConfig(id string, workers int, config *core.SchedulerConfig) *GoroutineThreadPool {
	return newGoroutineThreadPool(id, core.NewFIFOTaskScheduler(workers, config))
}

// NewPriorityGoroutineThreadPool creates a pool whose workers take higher
// priority tasks first.
func NewPriorityGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewPriorityGoroutineThreadPoolWithConfig(id, workers, nil)
}

// NewPriorityGoroutineThreadPoolWithConfig is NewPriorityGoroutineThreadPool with explicit handlers.
func NewPriorityGoroutineThreadPoolWithConfig(id string, workers int, config *core.SchedulerConfig) *GoroutineThreadPool {
	return newGoroutineThreadPool(id, core.NewPriorityTaskScheduler(workers, config))
}

func newGoroutineThreadPool(id string, scheduler *core.TaskScheduler) *GoroutineThreadPool {
	return &GoroutineThreadPool{
		id:        id,
		workers:   scheduler.WorkerCount(),
		scheduler: scheduler,
		done:      make(chan struct{}),
	}
}

// Start starts all worker goroutines
func (tg *GoroutineThreadPool) Start(ctx context.Context) {
	tg.runningMu.Lock()
	defer tg.runningMu.Unlock()

	if tg.running {
		return // Already running
	}

	tg.ctx, tg.cancel = context.WithCancel(ctx)
	tg.running = true

	for i := 0; i < tg.workers; i++ {
		tg.wg.Add(1)
		go tg.workerLoop(i, tg.ctx)
	}
	// Workers also exit when ctx ends; from then on nothing runs.
	go func(ctx context.Context) {
		<-ctx.Done()
		tg.wg.Wait()
		tg.scheduler.Shutdown()
		tg.runningMu.Lock()
		tg.running = false
		tg.runningMu.Unlock()
		tg.markDone()
	}(tg.ctx)
	tg.logger().Debug("thread pool started", core.F("pool", tg.id), core.F("workers", tg.workers))
}

// Stop stops the thread pool, dropping queued and delayed tasks.
func (tg *GoroutineThreadPool) Stop() {
	// Always shutdown scheduler to clean up resources (queue, delayed tasks)
	// even if pool was never started
	tg.scheduler.Shutdown()

	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		tg.markDone()
		return
	}
	tg.runningMu.Unlock()

	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()
	tg.markDone()
	tg.logger().Debug("thread pool stopped", core.F("pool", tg.id))
}

// StopGraceful stops the thread pool gracefully, waiting for queued tasks to complete.
// Returns error if timeout is exceeded before tasks complete.
func (tg *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return nil
	}
	tg.runningMu.Unlock()

	// Drain first; workers are cancelled either way.
	err := tg.scheduler.ShutdownGraceful(timeout)
	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()
	tg.markDone()

	if err != nil {
		tg.logger().Warn("thread pool stop timed out", core.F("pool", tg.id), core.F("timeout", timeout))
		return fmt.Errorf("pool %s: %w", tg.id, err)
	}
	return nil
}

// Done is closed once the pool has stopped. Queues watch it so their waiters
// do not block on work that will never run.
func (tg *GoroutineThreadPool) Done() <-chan struct{} {
	return tg.done
}

func (tg *GoroutineThreadPool) markDone() {
	tg.doneOnce.Do(func() { close(tg.done) })
}

// ID returns the ID of the thread pool
func (tg *GoroutineThreadPool) ID() string {
	return tg.id
}

// IsRunning returns whether the thread pool is running
func (tg *GoroutineThreadPool) IsRunning() bool {
	tg.runningMu.RLock()
	defer tg.runningMu.RUnlock()
	return tg.running
}

// workerLoop is the main loop for each worker
func (tg *GoroutineThreadPool) workerLoop(id int, ctx context.Context) {
	defer tg.wg.Done()
	stopCh := ctx.Done()

	for {
		task, ok := tg.scheduler.GetWork(stopCh)
		if !ok {
			return
		}

		tg.scheduler.OnTaskStart()
		tg.runTask(ctx, id, task)
	}
}

// runTask executes one task. Queue tasks recover their own panics; this
// catches raw tasks posted straight to the pool.
func (tg *GoroutineThreadPool) runTask(ctx context.Context, worker int, task core.Task) {
	defer func() {
		tg.scheduler.OnTaskEnd()
		if r := recover(); r != nil {
			config := tg.scheduler.Config()
			failure := core.NewPanicFailure(fmt.Sprintf("worker-%d", worker), tg.id, r, debug.Stack())
			config.Metrics.RecordTaskFailure(tg.id, true)
			config.ErrorSink.ReportFailure(ctx, failure)
		}
	}()
	task(ctx)
}

// Join waits for all worker goroutines to finish
func (tg *GoroutineThreadPool) Join() {
	tg.wg.Wait()
}

// WorkerCount returns the number of workers
func (tg *GoroutineThreadPool) WorkerCount() int {
	return tg.workers
}

func (tg *GoroutineThreadPool) QueuedTaskCount() int {
	return tg.scheduler.QueuedTaskCount()
}

func (tg *GoroutineThreadPool) ActiveTaskCount() int {
	return tg.scheduler.ActiveTaskCount()
}

func (tg *GoroutineThreadPool) DelayedTaskCount() int {
	return tg.scheduler.DelayedTaskCount()
}

// PostInternal queues task for the workers. It reports false once the pool
// is stopping.
func (tg *GoroutineThreadPool) PostInternal(task core.Task, traits core.TaskTraits) bool {
	return tg.scheduler.PostInternal(task, traits)
}

func (tg *GoroutineThreadPool) PostDelayedInternal(task core.Task, delay time.Duration, traits core.TaskTraits, target core.TaskRunner) {
	tg.scheduler.PostDelayedInternal(task, delay, traits, target)
}

// GetScheduler returns the scheduler the workers pull from. Queues created
// on this pool inherit its handlers through it.
func (tg *GoroutineThreadPool) GetScheduler() *core.TaskScheduler {
	return tg.scheduler
}

// Stats returns a point-in-time snapshot of the pool.
func (tg *GoroutineThreadPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:      tg.id,
		Workers: tg.workers,
		Queued:  tg.QueuedTaskCount(),
		Active:  tg.ActiveTaskCount(),
		Delayed: tg.DelayedTaskCount(),
		Running: tg.IsRunning(),
	}
}

func (tg *GoroutineThreadPool) logger() core.Logger {
	return tg.scheduler.Config().Logger
}
