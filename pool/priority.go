package pool

import (
	"container/heap"
	"sync"
)

// PriorityQueue is a bounded queue that orders jobs by priority, then
// by submission time.
type PriorityQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   jobHeap
	cap     int
	stopped bool
}

// NewPriorityQueue creates a priority queue holding at most capacity
// jobs.
func NewPriorityQueue(capacity int) *PriorityQueue {
	pq := &PriorityQueue{
		items: make(jobHeap, 0, capacity),
		cap:   capacity,
	}
	pq.cond = sync.NewCond(&pq.mu)
	heap.Init(&pq.items)
	return pq
}

// Push adds a job. It returns false when the queue is full or
// stopped.
func (pq *PriorityQueue) Push(job Job) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.stopped || len(pq.items) >= pq.cap {
		return false
	}

	heap.Push(&pq.items, job)
	pq.cond.Signal()
	return true
}

// Pop removes the highest-priority job, blocking while the queue is
// empty. After Stop it keeps returning queued jobs until the queue
// drains, then reports false.
func (pq *PriorityQueue) Pop() (Job, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for len(pq.items) == 0 && !pq.stopped {
		pq.cond.Wait()
	}
	if len(pq.items) == 0 {
		return Job{}, false
	}

	return heap.Pop(&pq.items).(Job), true
}

// TryPop removes the highest-priority job without blocking.
func (pq *PriorityQueue) TryPop() (Job, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if len(pq.items) == 0 {
		return Job{}, false
	}
	return heap.Pop(&pq.items).(Job), true
}

// DropLast removes the job that would be scheduled last.
func (pq *PriorityQueue) DropLast() (Job, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if len(pq.items) == 0 {
		return Job{}, false
	}

	last := 0
	for i := 1; i < len(pq.items); i++ {
		if scheduledAfter(pq.items[i], pq.items[last]) {
			last = i
		}
	}
	return heap.Remove(&pq.items, last).(Job), true
}

// Stop rejects further pushes and wakes blocked Pop calls.
func (pq *PriorityQueue) Stop() {
	pq.mu.Lock()
	pq.stopped = true
	pq.mu.Unlock()
	pq.cond.Broadcast()
}

// Len returns the number of queued jobs.
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

// Cap returns the queue capacity.
func (pq *PriorityQueue) Cap() int {
	return pq.cap
}

// scheduledAfter reports whether a would run after b.
func scheduledAfter(a, b Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.SubmittedAt.After(b.SubmittedAt)
}

// jobHeap implements heap.Interface. Higher priority first; equal
// priorities fall back to submission order.
type jobHeap []Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].SubmittedAt.Before(h[j].SubmittedAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(Job))
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
