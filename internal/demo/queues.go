package demo

import (
	"context"
	"time"

	"github.com/Swind/go-dispatch"
)

func init() {
	register(Scenario{Name: "serial", Short: "A serial queue runs tasks one at a time in order", Run: runSerial})
	register(Scenario{Name: "concurrent", Short: "SubmitAndWait on a concurrent queue does not wait for earlier tasks", Run: runConcurrent})
	register(Scenario{Name: "main", Short: "SubmitAndWait from main runs pending main work first", Run: runMain})
	register(Scenario{Name: "combine", Short: "Main and global queues progress independently", Run: runCombine})
	register(Scenario{Name: "group", Short: "A task group notifies main when work on two queues is done", Run: runGroup})
	register(Scenario{Name: "semaphore", Short: "A semaphore admits two holders at a time", Run: runSemaphore})
	register(Scenario{Name: "barrier", Short: "Barrier tasks run alone and in order", Run: runBarrier})
}

// Task 1 sleeps, yet Task 2 still waits for it.
func runSerial(env *Env) error {
	q := env.Runtime.NewSerialQueue("com.gcdplay.serial")
	defer q.Shutdown()

	q.PostTask(func(ctx context.Context) {
		_ = env.Sleep(ctx, 10*time.Second)
		env.Printf("Task 1")
	})
	q.PostTask(func(ctx context.Context) {
		env.Printf("Task 2")
	})
	env.Printf("Done %s", q.Label())

	return q.WaitIdle(env.MainCtx)
}

// The synchronous Task 2 overtakes the sleeping asynchronous Task 1.
func runConcurrent(env *Env) error {
	q := env.Runtime.NewConcurrentQueue("com.gcdplay.concurrent")
	defer q.Shutdown()

	q.PostTask(func(ctx context.Context) {
		_ = env.Sleep(ctx, 2*time.Second)
		env.Printf("Task 1")
	})
	if err := q.SubmitAndWait(env.MainCtx, func(ctx context.Context) {
		env.Printf("Task 2")
	}); err != nil {
		return err
	}
	env.Printf("Done %s", q.Label())

	return q.WaitIdle(env.MainCtx)
}

// Submitting synchronously from the main context drains Task 1 inline first,
// so the order is Task 1, Task 2, Done.
func runMain(env *Env) error {
	main := env.Runtime.Main()

	main.PostTask(func(ctx context.Context) {
		_ = env.Sleep(ctx, 10*time.Second)
		env.Printf("Task 1")
	})
	if err := main.SubmitAndWait(env.MainCtx, func(ctx context.Context) {
		env.Printf("Task 2")
	}); err != nil {
		return err
	}
	env.Printf("Done %s", main.Name())
	return nil
}

// Task 1 waits on main until this scenario pumps it; Task 2 runs at once on
// the global queue.
func runCombine(env *Env) error {
	main := env.Runtime.Main()
	global := env.Runtime.Global()

	g := dispatch.NewTaskGroup()
	main.PostTask(func(ctx context.Context) {
		_ = env.Sleep(ctx, 10*time.Second)
		env.Printf("Task 1")
	})
	g.Go(global, func(ctx context.Context) {
		env.Printf("Task 2")
	})
	env.Printf("Done combineMainGlobalQueue")

	if err := g.Wait(env.MainCtx); err != nil {
		return err
	}
	main.RunPending(env.MainCtx)
	return nil
}

func runGroup(env *Env) error {
	q1 := env.Runtime.NewConcurrentQueue("com.gcdplay.concurrent1")
	q2 := env.Runtime.NewConcurrentQueue("com.gcdplay.concurrent2")
	defer q1.Shutdown()
	defer q2.Shutdown()

	g := dispatch.NewTaskGroup()
	g.Enter()
	q1.PostTask(func(ctx context.Context) {
		defer g.Leave()
		_ = env.Sleep(ctx, 5*time.Second)
		env.Printf("%s finished", q1.Label())
	})
	g.Enter()
	q2.PostTask(func(ctx context.Context) {
		defer g.Leave()
		env.Printf("%s finished", q2.Label())
	})

	main := env.Runtime.Main()
	g.NotifyOn(main, func(ctx context.Context) {
		env.Printf("All tasks finished.")
	})

	if err := g.Wait(env.MainCtx); err != nil {
		return err
	}
	main.RunPending(env.MainCtx)
	return nil
}

func runSemaphore(env *Env) error {
	sem := dispatch.NewSemaphore(2)
	q1 := env.Runtime.NewConcurrentQueue("com.gcdplay.semaphore1")
	q2 := env.Runtime.NewConcurrentQueue("com.gcdplay.semaphore2")
	defer q1.Shutdown()
	defer q2.Shutdown()

	env.Printf("Current goroutine: on main %t", env.OnMain(env.MainCtx))

	g := dispatch.NewTaskGroup()
	g.Go(q1, func(ctx context.Context) {
		if err := sem.WaitContext(ctx); err != nil {
			return
		}
		defer sem.Signal()
		_ = env.Sleep(ctx, 2*time.Second)
		env.Printf("Asynchronous Task 1 - on main: %t", env.OnMain(ctx))
	})
	env.Printf("Done semaphore 1")
	g.Go(q2, func(ctx context.Context) {
		if err := sem.WaitContext(ctx); err != nil {
			return
		}
		defer sem.Signal()
		env.Printf("Asynchronous Task 2 - on main: %t", env.OnMain(ctx))
	})

	return g.Wait(env.MainCtx)
}

func runBarrier(env *Env) error {
	q := env.Runtime.NewConcurrentQueue("com.gcdplay.barrier")
	defer q.Shutdown()

	for j := 1; j <= 3; j++ {
		q.PostBarrierTask(func(ctx context.Context) {
			env.Printf("Barrier %d", j)
		})
	}
	for i := 1; i <= 3; i++ {
		q.PostTask(func(ctx context.Context) {
			env.Printf("Asynchronous Task %d", i)
		})
	}

	return q.WaitIdle(env.MainCtx)
}
