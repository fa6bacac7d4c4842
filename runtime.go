package dispatch

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/Swind/go-dispatch/core"
)

// Config describes the shared pool and ambient queues of a Runtime.
type Config struct {
	// PoolID names the worker pool in logs and metrics.
	PoolID string

	// Workers is the number of pool goroutines. Zero means runtime.NumCPU().
	Workers int

	// FIFO selects plain submission-order scheduling on the pool instead of
	// priority scheduling.
	FIFO bool

	// GlobalMaxConcurrency bounds the global concurrent queue. Zero leaves
	// the bound to the pool.
	GlobalMaxConcurrency int

	// ShutdownTimeout bounds how long Shutdown waits for queued work.
	ShutdownTimeout time.Duration

	// Scheduler carries the ErrorSink, Metrics, RejectedTaskHandler and
	// Logger shared by everything the Runtime creates.
	Scheduler *core.SchedulerConfig
}

// DefaultConfig returns a priority pool with one worker per CPU.
func DefaultConfig() Config {
	return Config{
		PoolID:          "dispatch-pool",
		Workers:         runtime.NumCPU(),
		ShutdownTimeout: 5 * time.Second,
	}
}

// Runtime is the explicit handle to the shared pool, the main queue and the
// global concurrent queue. Everything that would otherwise be a process-wide
// default is reached through it.
type Runtime struct {
	config Config
	pool   *GoroutineThreadPool
	main   *core.MainQueue
	global *core.ExecutionQueue

	mu              sync.Mutex
	queues          []*core.ExecutionQueue
	operationQueues []*core.OperationQueue
	shutdown        bool
}

// NewRuntime creates and starts the pool, and creates the main and global
// queues. ctx bounds the lifetime of the pool workers.
func NewRuntime(ctx context.Context, cfg Config) *Runtime {
	defaults := DefaultConfig()
	if cfg.PoolID == "" {
		cfg.PoolID = defaults.PoolID
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	var pool *GoroutineThreadPool
	if cfg.FIFO {
		pool = NewGoroutineThreadPoolWithConfig(cfg.PoolID, cfg.Workers, cfg.Scheduler)
	} else {
		pool = NewPriorityGoroutineThreadPoolWithConfig(cfg.PoolID, cfg.Workers, cfg.Scheduler)
	}
	pool.Start(ctx)

	rt := &Runtime{
		config: cfg,
		pool:   pool,
		main:   core.NewMainQueue("main", core.WithSchedulerConfig(cfg.Scheduler)),
	}
	rt.global = rt.NewConcurrentQueue("global", core.WithMaxConcurrency(cfg.GlobalMaxConcurrency))
	return rt
}

// Pool returns the shared worker pool.
func (rt *Runtime) Pool() *GoroutineThreadPool {
	return rt.pool
}

// Main returns the main queue. Its owner must pump it with Run or RunPending.
func (rt *Runtime) Main() *core.MainQueue {
	return rt.main
}

// Global returns the shared concurrent queue.
func (rt *Runtime) Global() *core.ExecutionQueue {
	return rt.global
}

// NewSerialQueue creates a serial queue on the shared pool.
func (rt *Runtime) NewSerialQueue(label string, opts ...core.QueueOption) *core.ExecutionQueue {
	return rt.track(core.NewSerialQueue(label, rt.pool, opts...))
}

// NewConcurrentQueue creates a concurrent queue on the shared pool.
func (rt *Runtime) NewConcurrentQueue(label string, opts ...core.QueueOption) *core.ExecutionQueue {
	return rt.track(core.NewConcurrentQueue(label, rt.pool, opts...))
}

// NewOperationQueue creates an operation queue on the shared pool.
func (rt *Runtime) NewOperationQueue(name string, maxConcurrency int) *core.OperationQueue {
	q := core.NewOperationQueue(name, rt.pool, maxConcurrency)
	rt.mu.Lock()
	rt.operationQueues = append(rt.operationQueues, q)
	rt.mu.Unlock()
	return q
}

func (rt *Runtime) track(q *core.ExecutionQueue) *core.ExecutionQueue {
	rt.mu.Lock()
	rt.queues = append(rt.queues, q)
	rt.mu.Unlock()
	return q
}

// QueueStats returns a snapshot of the main queue and every execution queue
// created through the Runtime.
func (rt *Runtime) QueueStats() []core.QueueStats {
	rt.mu.Lock()
	queues := append([]*core.ExecutionQueue(nil), rt.queues...)
	rt.mu.Unlock()

	stats := make([]core.QueueStats, 0, len(queues)+1)
	stats = append(stats, rt.main.Stats())
	for _, q := range queues {
		stats = append(stats, q.Stats())
	}
	return stats
}

// OperationQueueStats returns a snapshot of every operation queue created
// through the Runtime.
func (rt *Runtime) OperationQueueStats() []core.OperationQueueStats {
	rt.mu.Lock()
	queues := append([]*core.OperationQueue(nil), rt.operationQueues...)
	rt.mu.Unlock()

	stats := make([]core.OperationQueueStats, 0, len(queues))
	for _, q := range queues {
		stats = append(stats, q.Stats())
	}
	return stats
}

// ExecutionQueues returns the execution queues created through the Runtime.
func (rt *Runtime) ExecutionQueues() []*core.ExecutionQueue {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]*core.ExecutionQueue(nil), rt.queues...)
}

// OperationQueues returns the operation queues created through the Runtime.
func (rt *Runtime) OperationQueues() []*core.OperationQueue {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]*core.OperationQueue(nil), rt.operationQueues...)
}

// Shutdown cancels pending operations, closes every queue and stops the pool,
// waiting up to Config.ShutdownTimeout for work already handed to the pool.
// Safe to call more than once.
func (rt *Runtime) Shutdown() error {
	rt.mu.Lock()
	if rt.shutdown {
		rt.mu.Unlock()
		return nil
	}
	rt.shutdown = true
	queues := append([]*core.ExecutionQueue(nil), rt.queues...)
	operationQueues := append([]*core.OperationQueue(nil), rt.operationQueues...)
	rt.mu.Unlock()

	for _, q := range operationQueues {
		q.Shutdown()
	}
	for _, q := range queues {
		q.Shutdown()
	}
	rt.main.Shutdown()

	var errs []error
	if err := rt.pool.StopGraceful(rt.config.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
