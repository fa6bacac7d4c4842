package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTaskGroup_NotifyExactlyOnce verifies callbacks fire once, after the last Leave
// Given: A group with three entered items and one callback
// When: The items leave one by one
// Then: The callback fires only on the final Leave, exactly once
func TestTaskGroup_NotifyExactlyOnce(t *testing.T) {
	// Arrange
	g := NewTaskGroup()
	var fired atomic.Int32
	for range 3 {
		g.Enter()
	}
	g.Notify(func() { fired.Add(1) })

	// Act & Assert
	require.NoError(t, g.Leave())
	require.NoError(t, g.Leave())
	assert.Zero(t, fired.Load(), "callback fired before the group was idle")

	require.NoError(t, g.Leave())
	assert.Equal(t, int32(1), fired.Load())

	// A new round does not re-fire the old callback.
	g.Enter()
	require.NoError(t, g.Leave())
	assert.Equal(t, int32(1), fired.Load())
}

// TestTaskGroup_NotifyWhenIdle verifies Notify on an idle group fires immediately
func TestTaskGroup_NotifyWhenIdle(t *testing.T) {
	g := NewTaskGroup()
	fired := false

	g.Notify(func() { fired = true })

	assert.True(t, fired)
	assert.NoError(t, g.Wait(context.Background()))
}

// TestTaskGroup_UnbalancedLeave verifies Leave without Enter is reported and harmless
func TestTaskGroup_UnbalancedLeave(t *testing.T) {
	g := NewTaskGroup()

	err := g.Leave()

	assert.ErrorIs(t, err, ErrUnbalancedGroup)
	assert.Equal(t, 0, g.Outstanding())
}

// TestTaskGroup_GoAcrossQueues verifies a group spanning several queues
// Given: Work posted through the group to a serial and a concurrent queue
// When: Everything finishes
// Then: Wait returns, NotifyOn posts the completion to the main queue, and nothing is outstanding
func TestTaskGroup_GoAcrossQueues(t *testing.T) {
	// Arrange
	pool := newTestThreadPool(t, 4, nil)
	serial := NewSerialQueue("images", pool)
	concurrent := NewConcurrentQueue("thumbnails", pool)
	main := newQuietMainQueue(nil)
	g := NewTaskGroup()

	var finished atomic.Int32
	work := func(ctx context.Context) {
		time.Sleep(5 * time.Millisecond)
		finished.Add(1)
	}

	// Act
	for range 3 {
		g.Go(serial, work)
		g.Go(concurrent, work)
	}
	// One failing item still leaves the group.
	g.Go(concurrent, func(ctx context.Context) { panic("decode failed") })

	var notified atomic.Bool
	g.NotifyOn(main, func(ctx context.Context) { notified.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Wait(ctx))

	// Assert
	assert.Equal(t, int32(6), finished.Load())
	assert.Equal(t, 0, g.Outstanding())
	require.Eventually(t, func() bool { return main.PendingTaskCount() == 1 }, time.Second, time.Millisecond)
	main.RunPending(context.Background())
	assert.True(t, notified.Load())
}

// TestTaskGroup_WaitContext verifies Wait gives up when ctx ends
func TestTaskGroup_WaitContext(t *testing.T) {
	g := NewTaskGroup()
	g.Enter()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, g.Outstanding())
}

// TestTaskGroup_GoOnClosedQueue verifies a rejected submission leaves the group
// Given: A serial queue that has been shut down
// When: Work is posted to it through the group
// Then: Wait returns at once, Notify fires and nothing is outstanding
func TestTaskGroup_GoOnClosedQueue(t *testing.T) {
	// Arrange
	pool := newTestThreadPool(t, 2, nil)
	q := NewSerialQueue("closed", pool)
	q.Shutdown()
	g := NewTaskGroup()

	// Act
	g.Go(q, func(context.Context) {})
	var notified atomic.Bool
	g.Notify(func() { notified.Store(true) })

	// Assert
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, g.Wait(ctx))
	assert.True(t, notified.Load())
	assert.Equal(t, 0, g.Outstanding())
}

// TestTaskGroup_PendingDroppedByShutdown verifies dropped pending work leaves the group
// Given: Group work pending behind a running task on a serial queue, and on a main queue nobody pumps
// When: Both queues are shut down
// Then: The dropped items never run and Wait returns
func TestTaskGroup_PendingDroppedByShutdown(t *testing.T) {
	// Arrange
	pool := newTestThreadPool(t, 1, nil)
	q := NewSerialQueue("busy", pool)
	main := newQuietMainQueue(nil)
	g := NewTaskGroup()
	started := make(chan struct{})
	release := make(chan struct{})
	var droppedRan atomic.Int32

	q.PostTask(func(ctx context.Context) {
		close(started)
		<-release
	})
	waitTimeout(t, started, time.Second, "running task")
	g.Go(q, func(context.Context) { droppedRan.Add(1) })
	g.Go(main, func(context.Context) { droppedRan.Add(1) })
	require.Equal(t, 2, g.Outstanding())

	// Act
	q.Shutdown()
	main.Shutdown()
	close(release)

	// Assert
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, g.Wait(ctx))
	assert.Zero(t, droppedRan.Load())
	assert.Equal(t, 0, g.Outstanding())
}

// TestTaskGroup_PanickingNotifyReleasesWaiters verifies Wait returns even if a callback panics
func TestTaskGroup_PanickingNotifyReleasesWaiters(t *testing.T) {
	g := NewTaskGroup()
	g.Enter()
	g.Notify(func() { panic("callback failed") })

	assert.Panics(t, func() { _ = g.Leave() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, g.Wait(ctx))
	assert.Equal(t, 0, g.Outstanding())
}
