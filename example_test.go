package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-dispatch"
)

// ExampleRuntime_NewSerialQueue demonstrates ordered execution on a serial queue.
func ExampleRuntime_NewSerialQueue() {
	rt := dispatch.NewRuntime(context.Background(), dispatch.Config{Workers: 2})
	defer rt.Shutdown()

	q := rt.NewSerialQueue("example")
	q.PostTask(func(ctx context.Context) {
		fmt.Println("Task 1")
	})
	q.PostTask(func(ctx context.Context) {
		fmt.Println("Task 2")
	})
	_ = q.SubmitAndWait(context.Background(), func(ctx context.Context) {
		fmt.Println("Task 3")
	})

	// Output:
	// Task 1
	// Task 2
	// Task 3
}

// ExampleMainQueue demonstrates synchronous submission from the main context.
func ExampleMainQueue() {
	rt := dispatch.NewRuntime(context.Background(), dispatch.Config{Workers: 1})
	defer rt.Shutdown()

	main := rt.Main()
	ctx := main.Bind(context.Background())

	main.PostTask(func(ctx context.Context) { fmt.Println("A") })
	main.PostTask(func(ctx context.Context) { fmt.Println("B") })
	_ = main.SubmitAndWait(ctx, func(ctx context.Context) { fmt.Println("C") })

	// Output:
	// A
	// B
	// C
}

// ExampleOperationQueue demonstrates dependency ordering and cycle rejection.
func ExampleOperationQueue() {
	rt := dispatch.NewRuntime(context.Background(), dispatch.Config{Workers: 2})
	defer rt.Shutdown()

	q := rt.NewOperationQueue("ops", 2)
	step := func(name string) dispatch.OperationFunc {
		return func(ctx context.Context) error {
			fmt.Println(name)
			return nil
		}
	}
	op1 := dispatch.NewOperation("op1", step("op1"))
	op2 := dispatch.NewOperation("op2", step("op2")).AddDependency(op1)
	op3 := dispatch.NewOperation("op3", step("op3")).AddDependency(op2)
	_ = q.AddOperations([]*dispatch.Operation{op1, op2, op3}, true)

	a := dispatch.NewOperation("A", step("A")).DependsOn("B")
	b := dispatch.NewOperation("B", step("B")).DependsOn("A")
	err := q.AddOperations([]*dispatch.Operation{a, b}, false)
	fmt.Println(errors.Is(err, dispatch.ErrCyclicDependency), err)

	// Output:
	// op1
	// op2
	// op3
	// true cyclic dependency: A -> B -> A
}

// ExampleTaskGroup demonstrates waiting for work spread over several queues.
func ExampleTaskGroup() {
	rt := dispatch.NewRuntime(context.Background(), dispatch.Config{Workers: 2})
	defer rt.Shutdown()

	g := dispatch.NewTaskGroup()
	for range 3 {
		g.Go(rt.Global(), func(ctx context.Context) { time.Sleep(time.Millisecond) })
	}
	g.Notify(func() { fmt.Println("all done") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Wait(ctx); err == nil {
		fmt.Println("outstanding:", g.Outstanding())
	}

	// Output:
	// all done
	// outstanding: 0
}
