package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExecutionQueue_SerialOrder verifies tasks on a serial queue run in submission order
// Given: A serial queue on a 4-worker pool
// When: 100 tasks are posted
// Then: They run one at a time, in the order they were posted
func TestExecutionQueue_SerialOrder(t *testing.T) {
	// Arrange
	pool := newTestThreadPool(t, 4, nil)
	q := NewSerialQueue("serial", pool)

	var mu sync.Mutex
	var got []int
	var active, maxActive atomic.Int32
	const n = 100

	// Act
	for i := range n {
		q.PostTask(func(ctx context.Context) {
			cur := active.Add(1)
			for {
				old := maxActive.Load()
				if cur <= old || maxActive.CompareAndSwap(old, cur) {
					break
				}
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			active.Add(-1)
		})
	}
	require.NoError(t, q.WaitIdle(context.Background()))

	// Assert
	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("serial order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int32(1), maxActive.Load(), "serial queue ran tasks in parallel")
}

// TestExecutionQueue_ConcurrentMaxConcurrency verifies the concurrency bound
// Given: A concurrent queue limited to 2 on a 4-worker pool
// When: 8 slow tasks are posted
// Then: Never more than 2 run at once, and all of them finish
func TestExecutionQueue_ConcurrentMaxConcurrency(t *testing.T) {
	pool := newTestThreadPool(t, 4, nil)
	q := NewConcurrentQueue("bounded", pool, WithMaxConcurrency(2))

	var active, maxActive, finished atomic.Int32
	for range 8 {
		q.PostTask(func(ctx context.Context) {
			cur := active.Add(1)
			for {
				old := maxActive.Load()
				if cur <= old || maxActive.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			finished.Add(1)
		})
	}
	require.NoError(t, q.WaitIdle(context.Background()))

	assert.Equal(t, int32(8), finished.Load())
	assert.LessOrEqual(t, maxActive.Load(), int32(2))
	assert.Equal(t, ModeConcurrent, q.Mode())
}

// TestExecutionQueue_BarrierExclusive verifies barrier tasks run alone
// Given: A concurrent queue with 3 tasks, a barrier, then 3 more tasks
// When: All are posted back to back
// Then: The barrier starts after the first 3 finished, and the last 3 start after it returned
func TestExecutionQueue_BarrierExclusive(t *testing.T) {
	// Arrange
	pool := newTestThreadPool(t, 4, nil)
	q := NewConcurrentQueue("barrier", pool)

	var active, finishedBefore atomic.Int32
	var barrierDone atomic.Bool
	var violations atomic.Int32

	before := func(ctx context.Context) {
		active.Add(1)
		time.Sleep(15 * time.Millisecond)
		active.Add(-1)
		finishedBefore.Add(1)
	}
	after := func(ctx context.Context) {
		if !barrierDone.Load() {
			violations.Add(1)
		}
	}

	// Act
	for range 3 {
		q.PostTask(before)
	}
	q.PostBarrierTask(func(ctx context.Context) {
		if active.Load() != 0 || finishedBefore.Load() != 3 {
			violations.Add(1)
		}
		time.Sleep(10 * time.Millisecond)
		barrierDone.Store(true)
	})
	for range 3 {
		q.PostTask(after)
	}
	require.NoError(t, q.WaitIdle(context.Background()))

	// Assert
	assert.Zero(t, violations.Load(), "barrier overlapped with other tasks")
	assert.True(t, barrierDone.Load())
}

// TestExecutionQueue_SubmitAndWait verifies the caller blocks until the task ran
func TestExecutionQueue_SubmitAndWait(t *testing.T) {
	pool := newTestThreadPool(t, 2, nil)
	q := NewConcurrentQueue("sync", pool)

	var ran atomic.Bool
	err := q.SubmitAndWait(context.Background(), func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	})

	require.NoError(t, err)
	assert.True(t, ran.Load(), "SubmitAndWait returned before the task finished")
}

// TestExecutionQueue_SubmitAndWaitPanic verifies a panicking task is reported, not propagated
// Given: A serial queue with a recording ErrorSink
// When: SubmitAndWait runs a task that panics, then another task is posted
// Then: The caller gets a *WorkItemFailure, the sink sees it, and the queue keeps working
func TestExecutionQueue_SubmitAndWaitPanic(t *testing.T) {
	// Arrange
	sink := &recordingSink{}
	pool := newTestThreadPool(t, 2, &SchedulerConfig{Logger: NewNoOpLogger(), ErrorSink: sink})
	q := NewSerialQueue("panicky", pool)

	// Act
	err := q.SubmitAndWait(context.Background(), func(ctx context.Context) {
		panic("boom")
	})

	// Assert
	var failure *WorkItemFailure
	require.ErrorAs(t, err, &failure)
	assert.True(t, failure.Panicked())
	assert.Equal(t, "panicky", failure.Queue)
	assert.Contains(t, failure.Error(), "boom")

	var after atomic.Bool
	require.NoError(t, q.SubmitAndWait(context.Background(), func(ctx context.Context) { after.Store(true) }))
	assert.True(t, after.Load(), "queue stopped after a failure")
	assert.Len(t, sink.Failures(), 1)
}

// TestExecutionQueue_ReentrantSubmitAndWait verifies a serial queue does not deadlock on itself
// Given: A task running on a serial queue that posts B asynchronously
// When: The same task calls SubmitAndWait(C) on its own queue
// Then: B runs before C, inline, and the call returns
func TestExecutionQueue_ReentrantSubmitAndWait(t *testing.T) {
	// Arrange
	pool := newTestThreadPool(t, 2, nil)
	q := NewSerialQueue("reentrant", pool)
	rec := &orderRecorder{}
	done := make(chan struct{})

	// Act
	q.PostTask(func(ctx context.Context) {
		defer close(done)
		rec.Add("A")
		q.PostTask(func(ctx context.Context) { rec.Add("B") })
		err := q.SubmitAndWait(ctx, func(ctx context.Context) { rec.Add("C") })
		if err != nil {
			t.Errorf("SubmitAndWait: %v", err)
		}
		rec.Add("A-end")
	})

	// Assert
	waitTimeout(t, done, 2*time.Second, "reentrant SubmitAndWait")
	require.NoError(t, q.WaitIdle(context.Background()))
	if diff := cmp.Diff([]string{"A", "B", "C", "A-end"}, rec.Labels()); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

// TestExecutionQueue_CurrentTaskRunner verifies tasks see their queue in the context
func TestExecutionQueue_CurrentTaskRunner(t *testing.T) {
	pool := newTestThreadPool(t, 1, nil)
	q := NewSerialQueue("current", pool)

	var seen TaskRunner
	require.NoError(t, q.SubmitAndWait(context.Background(), func(ctx context.Context) {
		seen = GetCurrentTaskRunner(ctx)
	}))

	assert.Same(t, q, seen)
	assert.Nil(t, GetCurrentTaskRunner(context.Background()))
}

// TestExecutionQueue_PostDelayedTask verifies delayed tasks run after the delay
func TestExecutionQueue_PostDelayedTask(t *testing.T) {
	pool := newTestThreadPool(t, 1, nil)
	q := NewSerialQueue("delayed", pool)

	start := time.Now()
	done := make(chan time.Time, 1)
	q.PostDelayedTask(func(ctx context.Context) { done <- time.Now() }, 30*time.Millisecond)

	select {
	case ranAt := <-done:
		assert.GreaterOrEqual(t, ranAt.Sub(start), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never ran")
	}
}

// TestExecutionQueue_Shutdown verifies a closed queue rejects work
// Given: A serial queue with a slow task running and one pending
// When: The queue is shut down
// Then: The pending task is dropped and new submissions are rejected
func TestExecutionQueue_Shutdown(t *testing.T) {
	// Arrange
	pool := newTestThreadPool(t, 1, nil)
	q := NewSerialQueue("closing", pool)
	release := make(chan struct{})
	started := make(chan struct{})
	var droppedRan atomic.Bool

	q.PostTask(func(ctx context.Context) {
		close(started)
		<-release
	})
	q.PostTask(func(ctx context.Context) { droppedRan.Store(true) })
	waitTimeout(t, started, time.Second, "first task")

	// Act
	q.Shutdown()
	q.Shutdown()
	close(release)
	q.PostTask(func(ctx context.Context) { droppedRan.Store(true) })
	err := q.SubmitAndWait(context.Background(), func(ctx context.Context) {})

	// Assert
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.WaitIdle(context.Background()), ErrQueueClosed)
	assert.True(t, q.IsClosed())
	time.Sleep(20 * time.Millisecond)
	assert.False(t, droppedRan.Load(), "dropped task ran after shutdown")

	stats := q.Stats()
	assert.True(t, stats.Closed)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, int64(1), stats.Rejected)
}

// TestExecutionQueue_StatsAndHistory verifies execution records are kept newest first
func TestExecutionQueue_StatsAndHistory(t *testing.T) {
	pool := newTestThreadPool(t, 2, nil)
	q := NewSerialQueue("history", pool)

	for i := range 3 {
		q.PostTaskWithTraits(func(ctx context.Context) {}, TaskTraits{Name: fmt.Sprintf("step-%d", i)})
	}
	require.NoError(t, q.WaitIdle(context.Background()))
	// The wait-idle barrier is recorded just after it releases the waiter.
	require.Eventually(t, func() bool {
		return len(q.RecentTasks(0)) == 4
	}, time.Second, 5*time.Millisecond)

	records := q.RecentTasks(3)
	require.Len(t, records, 3)
	assert.Equal(t, "wait-idle", records[0].Name)
	assert.Equal(t, "step-2", records[1].Name)
	assert.Equal(t, "step-1", records[2].Name)
	assert.Equal(t, "serial", records[0].QueueType)

	stats := q.Stats()
	assert.Equal(t, "history", stats.Name)
	assert.Equal(t, "serial", stats.Type)
	assert.Equal(t, "wait-idle", stats.LastTaskName)
	assert.False(t, stats.BarrierRunning)
}

// TestExecutionQueue_SubmitAndWaitContext verifies ctx cancellation unblocks the caller
func TestExecutionQueue_SubmitAndWaitContext(t *testing.T) {
	pool := newTestThreadPool(t, 1, nil)
	q := NewSerialQueue("ctx", pool)
	release := make(chan struct{})
	defer close(release)
	q.PostTask(func(ctx context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.SubmitAndWait(ctx, func(ctx context.Context) {})

	assert.True(t, errors.Is(err, context.DeadlineExceeded), "err = %v", err)
}

// TestExecutionQueue_BarrierFromOwnConcurrentQueue verifies a task cannot wait on a barrier of its own concurrent queue
// Given: A concurrent queue with one task blocked in flight
// When: Another task of the same queue calls SubmitAndWaitWithTraits with a barrier
// Then: The call returns ErrBarrierFromQueue without running the barrier, and the queue keeps working
func TestExecutionQueue_BarrierFromOwnConcurrentQueue(t *testing.T) {
	// Arrange
	pool := newTestThreadPool(t, 4, nil)
	q := NewConcurrentQueue("concurrent", pool)
	blockerStarted := make(chan struct{})
	release := make(chan struct{})
	q.PostTask(func(ctx context.Context) {
		close(blockerStarted)
		<-release
	})
	waitTimeout(t, blockerStarted, time.Second, "blocking task")

	// Act
	var barrierRan atomic.Bool
	errCh := make(chan error, 2)
	q.PostTask(func(ctx context.Context) {
		errCh <- q.SubmitAndWaitWithTraits(ctx, func(context.Context) { barrierRan.Store(true) }, TraitsBarrier())
		errCh <- q.WaitIdle(ctx)
	})

	// Assert
	for range 2 {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrBarrierFromQueue)
		case <-time.After(time.Second):
			t.Fatal("inline barrier call did not return")
		}
	}
	assert.False(t, barrierRan.Load(), "barrier ran while another task was running")

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
}

// TestExecutionQueue_SerialInlineBarrier verifies a serial queue still runs an inline barrier
func TestExecutionQueue_SerialInlineBarrier(t *testing.T) {
	pool := newTestThreadPool(t, 2, nil)
	q := NewSerialQueue("serial", pool)
	var barrierRan atomic.Bool

	err := q.SubmitAndWait(context.Background(), func(ctx context.Context) {
		assert.NoError(t, q.SubmitAndWaitWithTraits(ctx, func(context.Context) { barrierRan.Store(true) }, TraitsBarrier()))
	})

	require.NoError(t, err)
	assert.True(t, barrierRan.Load())
}

// TestExecutionQueue_StoppedPoolFailsWaiters verifies waiters do not hang on a stopped pool
// Given: A serial queue whose pool has been stopped
// When: SubmitAndWait and WaitIdle are called
// Then: Both return ErrPoolStopped and the queue reports nothing running
func TestExecutionQueue_StoppedPoolFailsWaiters(t *testing.T) {
	// Arrange
	pool := newTestThreadPool(t, 2, nil)
	q := NewSerialQueue("orphan", pool)
	pool.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Act
	var ran atomic.Bool
	err := q.SubmitAndWait(ctx, func(context.Context) { ran.Store(true) })

	// Assert
	assert.ErrorIs(t, err, ErrPoolStopped)
	assert.ErrorIs(t, q.WaitIdle(ctx), ErrPoolStopped)
	assert.False(t, ran.Load())

	stats := q.Stats()
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 0, stats.Pending)
	assert.True(t, stats.Closed)
}

// TestExecutionQueue_PoolStopDropsPostedTasks verifies tasks handed to a pool that stops are released
// Given: A concurrent queue on a 1-worker pool, one task running and one posted behind it
// When: The pool stops while the first task is still running
// Then: The posted task never runs, its group entry is released, and Running drops to zero
func TestExecutionQueue_PoolStopDropsPostedTasks(t *testing.T) {
	// Arrange
	pool := newTestThreadPool(t, 1, nil)
	q := NewConcurrentQueue("stopping", pool)
	g := NewTaskGroup()
	started := make(chan struct{})
	release := make(chan struct{})
	var postedRan atomic.Bool

	q.PostTask(func(ctx context.Context) {
		close(started)
		<-release
	})
	waitTimeout(t, started, time.Second, "first task")
	g.Go(q, func(context.Context) { postedRan.Store(true) })
	require.Equal(t, 2, q.Stats().Running)

	// Act
	go pool.Stop()
	require.Eventually(t, pool.scheduler.IsShuttingDown, time.Second, time.Millisecond)
	close(release)
	waitTimeout(t, pool.Done(), time.Second, "pool stop")

	// Assert
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Wait(ctx))
	assert.False(t, postedRan.Load(), "task ran after its pool stopped")

	require.Eventually(t, func() bool { return q.Stats().Running == 0 }, time.Second, time.Millisecond)
	stats := q.Stats()
	assert.True(t, stats.Closed)
	assert.False(t, stats.BarrierRunning)
	assert.ErrorIs(t, q.SubmitAndWait(ctx, func(context.Context) {}), ErrPoolStopped)
}
