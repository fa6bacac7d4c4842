package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testThreadPool is a minimal ThreadPool over TaskScheduler for core tests.
type testThreadPool struct {
	scheduler *TaskScheduler
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   atomic.Bool
	stopOnce  sync.Once
	done      chan struct{}
}

func newTestThreadPool(t *testing.T, workers int, config *SchedulerConfig) *testThreadPool {
	t.Helper()
	if config == nil {
		config = &SchedulerConfig{Logger: NewNoOpLogger()}
	}
	p := &testThreadPool{
		scheduler: NewPriorityTaskScheduler(workers, config),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func (p *testThreadPool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for range p.scheduler.WorkerCount() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				task, ok := p.scheduler.GetWork(p.stopCh)
				if !ok {
					return
				}
				p.scheduler.OnTaskStart()
				task(ctx)
				p.scheduler.OnTaskEnd()
			}
		}()
	}
}

func (p *testThreadPool) Stop() {
	p.stopOnce.Do(func() {
		p.scheduler.Shutdown()
		close(p.stopCh)
		p.wg.Wait()
		p.running.Store(false)
		close(p.done)
	})
}

func (p *testThreadPool) Done() <-chan struct{} { return p.done }

func (p *testThreadPool) PostInternal(task Task, traits TaskTraits) bool {
	return p.scheduler.PostInternal(task, traits)
}

func (p *testThreadPool) PostDelayedInternal(task Task, delay time.Duration, traits TaskTraits, target TaskRunner) {
	p.scheduler.PostDelayedInternal(task, delay, traits, target)
}

func (p *testThreadPool) GetScheduler() *TaskScheduler { return p.scheduler }
func (p *testThreadPool) ID() string                   { return "test-pool" }
func (p *testThreadPool) IsRunning() bool              { return p.running.Load() }
func (p *testThreadPool) WorkerCount() int             { return p.scheduler.WorkerCount() }
func (p *testThreadPool) QueuedTaskCount() int         { return p.scheduler.QueuedTaskCount() }
func (p *testThreadPool) ActiveTaskCount() int         { return p.scheduler.ActiveTaskCount() }
func (p *testThreadPool) DelayedTaskCount() int        { return p.scheduler.DelayedTaskCount() }

// recordingSink collects reported failures.
type recordingSink struct {
	mu       sync.Mutex
	failures []*WorkItemFailure
}

func (s *recordingSink) ReportFailure(_ context.Context, failure *WorkItemFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
}

func (s *recordingSink) Failures() []*WorkItemFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*WorkItemFailure(nil), s.failures...)
}

// orderRecorder appends labels from concurrent tasks.
type orderRecorder struct {
	mu     sync.Mutex
	labels []string
}

func (r *orderRecorder) Add(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, label)
}

func (r *orderRecorder) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.labels...)
}

func waitTimeout(t *testing.T, ch <-chan struct{}, d time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("timed out waiting for %s", what)
	}
}
