package core

import (
	"container/heap"
	"sync"

	"github.com/gammazero/deque"
)

const defaultQueueCap = 16

type TaskItem struct {
	Task   Task
	Traits TaskTraits
}

// TaskQueue defines the interface for different queue implementations
type TaskQueue interface {
	Push(t Task, traits TaskTraits)
	Pop() (TaskItem, bool)
	PopUpTo(max int) []TaskItem
	PeekTraits() (TaskTraits, bool)
	Len() int
	IsEmpty() bool
	Clear() // Clear all tasks from the queue
}

// =============================================================================
// FIFOTaskQueue: ring-buffer FIFO queue
// =============================================================================

type FIFOTaskQueue struct {
	mu    sync.Mutex
	tasks deque.Deque[TaskItem]
}

func NewFIFOTaskQueue() *FIFOTaskQueue {
	return &FIFOTaskQueue{}
}

func (q *FIFOTaskQueue) Push(t Task, traits TaskTraits) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks.PushBack(TaskItem{Task: t, Traits: traits})
}

func (q *FIFOTaskQueue) Pop() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.tasks.Len() == 0 {
		return TaskItem{}, false
	}
	return q.tasks.PopFront(), true
}

func (q *FIFOTaskQueue) PopUpTo(max int) []TaskItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(q.tasks.Len(), max)
	if n <= 0 {
		return nil
	}

	batch := make([]TaskItem, n)
	for i := range n {
		batch[i] = q.tasks.PopFront()
	}
	return batch
}

func (q *FIFOTaskQueue) PeekTraits() (TaskTraits, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tasks.Len() == 0 {
		return TaskTraits{}, false
	}
	return q.tasks.Front().Traits, true
}

func (q *FIFOTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

func (q *FIFOTaskQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear removes all tasks from the queue and releases references
func (q *FIFOTaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks.Clear()
}

// =============================================================================
// PriorityTaskQueue: Heap based queue with Stability (FIFO for same priority)
// =============================================================================

type priorityItem struct {
	TaskItem
	sequence uint64 // For stability
	index    int    // For heap
}

// priorityHeap implements heap.Interface
type priorityHeap []*priorityItem

func (h priorityHeap) Len() int { return len(h) }

// Less implements priority logic: High priority first, then Small sequence first (FIFO)
func (h priorityHeap) Less(i, j int) bool {
	if h[i].Traits.Priority != h[j].Traits.Priority {
		return h[i].Traits.Priority > h[j].Traits.Priority
	}
	return h[i].sequence < h[j].sequence
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	n := len(*h)
	item := x.(*priorityItem)
	item.index = n
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

type PriorityTaskQueue struct {
	mu           sync.Mutex
	pq           priorityHeap
	nextSequence uint64
}

func NewPriorityTaskQueue() *PriorityTaskQueue {
	return &PriorityTaskQueue{
		pq: make(priorityHeap, 0, defaultQueueCap),
	}
}

func (q *PriorityTaskQueue) Push(t Task, traits TaskTraits) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &priorityItem{
		TaskItem: TaskItem{Task: t, Traits: traits},
		sequence: q.nextSequence,
	}
	q.nextSequence++

	heap.Push(&q.pq, item)
}

func (q *PriorityTaskQueue) Pop() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pq) == 0 {
		return TaskItem{}, false
	}

	item := heap.Pop(&q.pq).(*priorityItem)
	return item.TaskItem, true
}

func (q *PriorityTaskQueue) PopUpTo(max int) []TaskItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := min(len(q.pq), max)
	if count <= 0 {
		return nil
	}

	batch := make([]TaskItem, count)
	for i := range count {
		batch[i] = heap.Pop(&q.pq).(*priorityItem).TaskItem
	}
	return batch
}

func (q *PriorityTaskQueue) PeekTraits() (TaskTraits, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pq) == 0 {
		return TaskTraits{}, false
	}
	return q.pq[0].Traits, true
}

func (q *PriorityTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

func (q *PriorityTaskQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear removes all tasks from the queue and releases references
func (q *PriorityTaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pq = make(priorityHeap, 0, defaultQueueCap)
	q.nextSequence = 0
}
