package pool

import (
	"sync"
	"testing"
	"time"
)

func TestNewPriorityQueue(t *testing.T) {
	pq := NewPriorityQueue(10)

	if pq.Len() != 0 {
		t.Errorf("Len = %d, want 0", pq.Len())
	}
	if pq.Cap() != 10 {
		t.Errorf("Cap = %d, want 10", pq.Cap())
	}
}

func TestPriorityQueue_Push(t *testing.T) {
	pq := NewPriorityQueue(10)

	if !pq.Push(Job{Priority: 3}) {
		t.Error("Push should succeed when the queue has capacity")
	}
	if pq.Len() != 1 {
		t.Errorf("Len = %d, want 1", pq.Len())
	}
}

func TestPriorityQueue_Push_Full(t *testing.T) {
	pq := NewPriorityQueue(2)

	pq.Push(Job{Priority: 1})
	pq.Push(Job{Priority: 2})

	if pq.Push(Job{Priority: 3}) {
		t.Error("Push should fail when the queue is full")
	}
}

func TestPriorityQueue_Pop_HighestFirst(t *testing.T) {
	pq := NewPriorityQueue(10)

	now := time.Now()
	pq.Push(Job{Priority: 1, SubmittedAt: now})
	pq.Push(Job{Priority: 3, SubmittedAt: now.Add(time.Second)})
	pq.Push(Job{Priority: 2, SubmittedAt: now.Add(2 * time.Second)})

	for _, want := range []int{3, 2, 1} {
		job, ok := pq.Pop()
		if !ok {
			t.Fatal("Pop should succeed")
		}
		if job.Priority != want {
			t.Errorf("popped priority %d, want %d", job.Priority, want)
		}
	}
}

func TestPriorityQueue_Pop_Blocks(t *testing.T) {
	pq := NewPriorityQueue(10)

	done := make(chan bool)
	go func() {
		_, ok := pq.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	pq.Push(Job{Priority: 2})

	select {
	case ok := <-done:
		if !ok {
			t.Error("Pop should succeed after a push")
		}
	case <-time.After(time.Second):
		t.Error("Pop should have unblocked")
	}
}

func TestPriorityQueue_TryPop(t *testing.T) {
	pq := NewPriorityQueue(10)

	if _, ok := pq.TryPop(); ok {
		t.Error("TryPop should fail on an empty queue")
	}

	pq.Push(Job{Priority: 3})
	job, ok := pq.TryPop()
	if !ok {
		t.Fatal("TryPop should succeed")
	}
	if job.Priority != 3 {
		t.Errorf("popped priority %d, want 3", job.Priority)
	}
}

func TestPriorityQueue_FIFOWithinPriority(t *testing.T) {
	pq := NewPriorityQueue(10)

	now := time.Now()
	pq.Push(Job{Priority: 2, SubmittedAt: now.Add(time.Second)})
	pq.Push(Job{Priority: 2, SubmittedAt: now})
	pq.Push(Job{Priority: 2, SubmittedAt: now.Add(2 * time.Second)})

	for i, want := range []time.Time{now, now.Add(time.Second), now.Add(2 * time.Second)} {
		job, ok := pq.TryPop()
		if !ok {
			t.Fatal("TryPop should succeed")
		}
		if !job.SubmittedAt.Equal(want) {
			t.Errorf("pop %d returned job submitted at %v, want %v", i, job.SubmittedAt, want)
		}
	}
}

func TestPriorityQueue_DropLast(t *testing.T) {
	pq := NewPriorityQueue(10)

	now := time.Now()
	pq.Push(Job{Priority: 5, SubmittedAt: now})
	pq.Push(Job{Priority: 1, SubmittedAt: now})
	pq.Push(Job{Priority: 10, SubmittedAt: now})

	job, ok := pq.DropLast()
	if !ok {
		t.Fatal("DropLast should succeed")
	}
	if job.Priority != 1 {
		t.Errorf("dropped priority %d, want 1", job.Priority)
	}
	if pq.Len() != 2 {
		t.Errorf("Len = %d, want 2", pq.Len())
	}
}

func TestPriorityQueue_DropLast_NewestAmongEqual(t *testing.T) {
	pq := NewPriorityQueue(10)

	now := time.Now()
	pq.Push(Job{Priority: 2, SubmittedAt: now})
	pq.Push(Job{Priority: 2, SubmittedAt: now.Add(time.Second)})

	job, ok := pq.DropLast()
	if !ok {
		t.Fatal("DropLast should succeed")
	}
	if !job.SubmittedAt.Equal(now.Add(time.Second)) {
		t.Errorf("dropped job submitted at %v, want the newest", job.SubmittedAt)
	}
}

func TestPriorityQueue_DropLast_Empty(t *testing.T) {
	pq := NewPriorityQueue(10)

	if _, ok := pq.DropLast(); ok {
		t.Error("DropLast should fail on an empty queue")
	}
}

func TestPriorityQueue_Stop_UnblocksPop(t *testing.T) {
	pq := NewPriorityQueue(10)

	done := make(chan bool)
	go func() {
		_, ok := pq.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	pq.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop on a stopped empty queue should report false")
		}
	case <-time.After(time.Second):
		t.Error("Stop should have unblocked Pop")
	}
}

func TestPriorityQueue_Stop_DrainsRemaining(t *testing.T) {
	pq := NewPriorityQueue(10)

	pq.Push(Job{Priority: 1})
	pq.Push(Job{Priority: 2})
	pq.Stop()

	if _, ok := pq.Pop(); !ok {
		t.Error("Pop should drain queued jobs after Stop")
	}
	if _, ok := pq.Pop(); !ok {
		t.Error("Pop should drain queued jobs after Stop")
	}
	if _, ok := pq.Pop(); ok {
		t.Error("Pop on a drained stopped queue should report false")
	}
}

func TestPriorityQueue_Stop_RejectsPush(t *testing.T) {
	pq := NewPriorityQueue(10)
	pq.Stop()

	if pq.Push(Job{Priority: 1}) {
		t.Error("Push after Stop should fail")
	}
}

func TestPriorityQueue_ConcurrentAccess(t *testing.T) {
	pq := NewPriorityQueue(100)

	var wg sync.WaitGroup
	concurrency := 20

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			pq.Push(Job{Priority: id % 4, SubmittedAt: time.Now()})
		}(i)
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pq.Pop()
		}()
	}

	wg.Wait()
}
