package core

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// Semaphore is a counting semaphore with FIFO wake-up order.
//
// A Signal with blocked waiters hands its permit directly to the waiter that
// blocked first, so a late caller of Wait can never overtake an earlier one.
type Semaphore struct {
	mu      sync.Mutex
	permits int
	waiters deque.Deque[*semaphoreWaiter]
}

type semaphoreWaiter struct {
	ready   chan struct{}
	granted bool
}

// NewSemaphore returns a semaphore holding initialPermits permits.
// Panics if initialPermits is negative.
func NewSemaphore(initialPermits int) *Semaphore {
	if initialPermits < 0 {
		panic("Semaphore: initialPermits must not be negative")
	}
	return &Semaphore{permits: initialPermits}
}

// Wait blocks until a permit is available and takes it.
func (s *Semaphore) Wait() {
	w, ok := s.acquireOrEnqueue()
	if ok {
		return
	}
	<-w.ready
}

// WaitContext is Wait with cancellation. A waiter whose context ends leaves
// the queue without consuming a permit and returns ctx.Err().
func (s *Semaphore) WaitContext(ctx context.Context) error {
	w, ok := s.acquireOrEnqueue()
	if ok {
		return nil
	}

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	if w.granted {
		// Signal picked us between ctx.Done and the lock; pass the permit on.
		s.mu.Unlock()
		s.Signal()
		return ctx.Err()
	}
	for i := 0; i < s.waiters.Len(); i++ {
		if s.waiters.At(i) == w {
			s.waiters.Remove(i)
			break
		}
	}
	s.mu.Unlock()
	return ctx.Err()
}

// TryWait takes a permit if one is immediately available.
func (s *Semaphore) TryWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.permits > 0 && s.waiters.Len() == 0 {
		s.permits--
		return true
	}
	return false
}

// Signal returns a permit, waking the longest-blocked waiter if there is one.
func (s *Semaphore) Signal() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.waiters.Len() > 0 {
		w := s.waiters.PopFront()
		w.granted = true
		close(w.ready)
		return
	}
	s.permits++
}

// Available returns the number of permits not currently held.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permits
}

// Waiting returns the number of callers blocked in Wait.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

func (s *Semaphore) acquireOrEnqueue() (*semaphoreWaiter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.permits > 0 && s.waiters.Len() == 0 {
		s.permits--
		return nil, true
	}
	w := &semaphoreWaiter{ready: make(chan struct{})}
	s.waiters.PushBack(w)
	return w, false
}
