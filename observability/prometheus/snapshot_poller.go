package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-dispatch/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// QueueSnapshotProvider provides current queue stats snapshots.
type QueueSnapshotProvider interface {
	Stats() core.QueueStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// OperationQueueSnapshotProvider provides current operation queue snapshots.
type OperationQueueSnapshotProvider interface {
	Stats() core.OperationQueueStats
}

// SnapshotPoller periodically exports queue/pool Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval  time.Duration
	namespace string

	providersMu     sync.RWMutex
	queues          map[string]QueueSnapshotProvider
	pools           map[string]PoolSnapshotProvider
	operationQueues map[string]OperationQueueSnapshotProvider

	queuePending  *prom.GaugeVec
	queueRunning  *prom.GaugeVec
	queueRejected *prom.GaugeVec
	queueClosed   *prom.GaugeVec
	queueBarrier  *prom.GaugeVec

	poolQueued  *prom.GaugeVec
	poolActive  *prom.GaugeVec
	poolDelayed *prom.GaugeVec
	poolWorkers *prom.GaugeVec
	poolRunning *prom.GaugeVec

	operations          *prom.GaugeVec
	operationSuspended  *prom.GaugeVec
	operationMaxRunning *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	const ns = "dispatch"
	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: ns, Name: name, Help: help}, labels)
	}

	p := &SnapshotPoller{
		interval:        interval,
		namespace:       ns,
		queues:          make(map[string]QueueSnapshotProvider),
		pools:           make(map[string]PoolSnapshotProvider),
		operationQueues: make(map[string]OperationQueueSnapshotProvider),

		queuePending:  gauge("queue_pending", "Number of pending tasks per queue.", "queue", "type"),
		queueRunning:  gauge("queue_running", "Number of running tasks per queue.", "queue", "type"),
		queueRejected: gauge("queue_rejected_total", "Queue rejected task count snapshot.", "queue", "type"),
		queueClosed:   gauge("queue_closed", "Queue closed state (1=closed, 0=open).", "queue", "type"),
		queueBarrier:  gauge("queue_barrier_running", "Barrier running state (1=running, 0=idle).", "queue", "type"),

		poolQueued:  gauge("pool_queued", "Queued tasks per pool.", "pool"),
		poolActive:  gauge("pool_active", "Active tasks per pool.", "pool"),
		poolDelayed: gauge("pool_delayed", "Delayed tasks per pool.", "pool"),
		poolWorkers: gauge("pool_workers", "Worker count per pool.", "pool"),
		poolRunning: gauge("pool_running", "Pool running state (1=running, 0=stopped).", "pool"),

		operations:          gauge("operations", "Operations per operation queue and state.", "queue", "state"),
		operationSuspended:  gauge("operation_queue_suspended", "Operation queue suspended state (1=suspended, 0=active).", "queue"),
		operationMaxRunning: gauge("operation_queue_max_concurrency", "Configured concurrency bound per operation queue.", "queue"),
	}

	for _, target := range []**prom.GaugeVec{
		&p.queuePending, &p.queueRunning, &p.queueRejected, &p.queueClosed, &p.queueBarrier,
		&p.poolQueued, &p.poolActive, &p.poolDelayed, &p.poolWorkers, &p.poolRunning,
		&p.operations, &p.operationSuspended, &p.operationMaxRunning,
	} {
		registered, err := registerCollector(reg, *target)
		if err != nil {
			return nil, err
		}
		*target = registered
	}
	return p, nil
}

// AddQueue adds or replaces a queue snapshot provider by name.
func (p *SnapshotPoller) AddQueue(name string, provider QueueSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "queue")
	p.providersMu.Lock()
	p.queues[name] = provider
	p.providersMu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.providersMu.Lock()
	p.pools[name] = provider
	p.providersMu.Unlock()
}

// AddOperationQueue adds or replaces an operation queue snapshot provider by name.
func (p *SnapshotPoller) AddOperationQueue(name string, provider OperationQueueSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "operations")
	p.providersMu.Lock()
	p.operationQueues[name] = provider
	p.providersMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	done := p.done
	p.stateMu.Unlock()

	go p.loop(pollCtx, done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

// CollectOnce exports one snapshot immediately.
func (p *SnapshotPoller) CollectOnce() {
	if p == nil {
		return
	}
	p.collectOnce()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.providersMu.RLock()
	defer p.providersMu.RUnlock()

	for name, provider := range p.queues {
		stats := provider.Stats()
		typeLabel := normalizeLabel(stats.Type, "unknown")
		p.queuePending.WithLabelValues(name, typeLabel).Set(float64(stats.Pending))
		p.queueRunning.WithLabelValues(name, typeLabel).Set(float64(stats.Running))
		p.queueRejected.WithLabelValues(name, typeLabel).Set(float64(stats.Rejected))
		p.queueClosed.WithLabelValues(name, typeLabel).Set(boolGauge(stats.Closed))
		p.queueBarrier.WithLabelValues(name, typeLabel).Set(boolGauge(stats.BarrierRunning))
	}

	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolDelayed.WithLabelValues(name).Set(float64(stats.Delayed))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
	}

	for name, provider := range p.operationQueues {
		stats := provider.Stats()
		for state, count := range map[core.OperationState]int{
			core.OperationPending:   stats.Pending,
			core.OperationReady:     stats.Ready,
			core.OperationRunning:   stats.Running,
			core.OperationCompleted: stats.Completed,
			core.OperationFailed:    stats.Failed,
			core.OperationCancelled: stats.Cancelled,
			core.OperationBlocked:   stats.Blocked,
		} {
			p.operations.WithLabelValues(name, state.String()).Set(float64(count))
		}
		p.operationSuspended.WithLabelValues(name).Set(boolGauge(stats.Suspended))
		p.operationMaxRunning.WithLabelValues(name).Set(float64(stats.MaxConcurrency))
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
