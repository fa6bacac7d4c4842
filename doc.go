// Package dispatch provides queue-based concurrency primitives for Go.
//
// Work is posted to queues rather than to goroutines. Every queue runs on a
// shared GoroutineThreadPool; the only exception is the main queue, which
// runs its tasks on whichever goroutine pumps it.
//
// # Quick Start
//
// Create a Runtime at application startup:
//
//	rt := dispatch.NewRuntime(ctx, dispatch.DefaultConfig())
//	defer rt.Shutdown()
//
// Serial queues run tasks one at a time, in order:
//
//	images := rt.NewSerialQueue("images")
//	images.PostTask(func(ctx context.Context) {
//		// no other task of this queue runs concurrently
//	})
//
// # Key Concepts
//
// ExecutionQueue: serial or concurrent. Barrier tasks on a concurrent queue
// wait for earlier tasks, run alone, and hold back later ones. SubmitAndWait
// blocks the caller until the task has run.
//
// MainQueue: a cooperative single-goroutine queue. Its owner calls Run or
// RunPending; a context returned by Bind marks code running "on main".
//
// Semaphore: counting permits with FIFO wake-up.
//
// TaskGroup: enter/leave counting with completion callbacks.
//
// OperationQueue: operations with priorities and dependencies, run with a
// concurrency bound. Cyclic submissions are rejected; dependents of failed
// or cancelled operations become Blocked.
//
// # Failures
//
// A panicking task never takes down its queue. The panic is recovered,
// wrapped in a *WorkItemFailure and handed to the configured ErrorSink.
// SubmitAndWait and OperationQueue.Err return the same failure to callers.
package dispatch
