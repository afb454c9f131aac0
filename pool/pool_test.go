package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it reports true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// blockWorkers submits one gate job per worker and waits until every
// worker is busy, so later submissions land in the queue.
func blockWorkers(t *testing.T, p Pool, workers int) chan struct{} {
	t.Helper()
	gate := make(chan struct{})
	for i := 0; i < workers; i++ {
		if err := p.Submit(context.Background(), Job{Run: func() { <-gate }}); err != nil {
			t.Fatalf("Submit gate job: %v", err)
		}
	}
	waitFor(t, func() bool {
		return p.Stats().ActiveWorkers == int32(workers)
	}, 2*time.Second, "workers to pick up gate jobs")
	return gate
}

func TestNew(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 2
	config.MaxWorkers = 4

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	stats := p.Stats()
	if stats.QueueCapacity != config.QueueSize {
		t.Errorf("QueueCapacity = %d, want %d", stats.QueueCapacity, config.QueueSize)
	}
	waitFor(t, func() bool {
		s := p.Stats()
		return s.ActiveWorkers+s.IdleWorkers == 2
	}, 2*time.Second, "minimum workers to start")
}

func TestNew_ZeroConfig(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	done := make(chan struct{})
	if err := p.SubmitFunc(context.Background(), func() { close(done) }); err != nil {
		t.Fatalf("SubmitFunc failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestPool_Submit(t *testing.T) {
	p, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	done := make(chan struct{})
	err = p.Submit(context.Background(), Job{Run: func() { close(done) }})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestPool_Submit_AfterShutdown(t *testing.T) {
	p, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	err = p.Submit(context.Background(), Job{Run: func() {}})
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("Submit after shutdown = %v, want ErrPoolShutdown", err)
	}
}

func TestPool_RejectStrategy(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 1
	config.QueueSize = 1
	config.BackpressureStrategy = StrategyReject

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	gate := blockWorkers(t, p, 1)
	defer close(gate)

	if err := p.Submit(context.Background(), Job{Run: func() {}}); err != nil {
		t.Fatalf("Submit to empty queue failed: %v", err)
	}

	err = p.Submit(context.Background(), Job{Run: func() {}})
	if !errors.Is(err, ErrPoolFull) {
		t.Errorf("Submit to full queue = %v, want ErrPoolFull", err)
	}
	if got := p.Stats().TotalRejected; got != 1 {
		t.Errorf("TotalRejected = %d, want 1", got)
	}
}

func TestPool_CallerRunsStrategy(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 1
	config.QueueSize = 1
	config.BackpressureStrategy = StrategyCallerRuns

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	gate := blockWorkers(t, p, 1)
	defer close(gate)

	if err := p.Submit(context.Background(), Job{Run: func() {}}); err != nil {
		t.Fatalf("Submit to empty queue failed: %v", err)
	}

	var executed int32
	err = p.Submit(context.Background(), Job{Run: func() {
		atomic.AddInt32(&executed, 1)
	}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if atomic.LoadInt32(&executed) != 1 {
		t.Error("overflow job did not run in the caller's goroutine")
	}
}

func TestPool_DropOldestStrategy(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 1
	config.QueueSize = 1
	config.BackpressureStrategy = StrategyDropOldest

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	gate := blockWorkers(t, p, 1)

	var dropped, kept int32
	if err := p.Submit(context.Background(), Job{Run: func() {
		atomic.AddInt32(&dropped, 1)
	}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := p.Submit(context.Background(), Job{Run: func() {
		atomic.AddInt32(&kept, 1)
	}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	close(gate)
	waitFor(t, func() bool {
		return atomic.LoadInt32(&kept) == 1
	}, 2*time.Second, "replacement job to run")

	if atomic.LoadInt32(&dropped) != 0 {
		t.Error("evicted job still ran")
	}
	if got := p.Stats().TotalRejected; got != 1 {
		t.Errorf("TotalRejected = %d, want 1", got)
	}
}

func TestPool_BlockStrategy_ContextCanceled(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 1
	config.QueueSize = 1
	config.BackpressureStrategy = StrategyBlock

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	gate := blockWorkers(t, p, 1)
	defer close(gate)

	if err := p.Submit(context.Background(), Job{Run: func() {}}); err != nil {
		t.Fatalf("Submit to empty queue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.Submit(ctx, Job{Run: func() {}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Submit with canceled context = %v, want context.Canceled", err)
	}
	if got := p.Stats().TotalTimeout; got != 1 {
		t.Errorf("TotalTimeout = %d, want 1", got)
	}
}

func TestPool_SubmitFunc(t *testing.T) {
	p, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	done := make(chan struct{})
	if err := p.SubmitFunc(context.Background(), func() { close(done) }); err != nil {
		t.Fatalf("SubmitFunc failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("function never ran")
	}
}

func TestPool_Stats_Counters(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 2

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	const jobs = 10
	for i := 0; i < jobs; i++ {
		if err := p.SubmitFunc(context.Background(), func() {
			time.Sleep(time.Millisecond)
		}); err != nil {
			t.Fatalf("SubmitFunc failed: %v", err)
		}
	}

	waitFor(t, func() bool {
		return p.Stats().TotalCompleted == jobs
	}, 2*time.Second, "all jobs to complete")

	stats := p.Stats()
	if stats.TotalSubmitted != jobs {
		t.Errorf("TotalSubmitted = %d, want %d", stats.TotalSubmitted, jobs)
	}
	if stats.AvgExecTime <= 0 {
		t.Errorf("AvgExecTime = %v, want > 0", stats.AvgExecTime)
	}
	if stats.AvgWaitTime < 0 {
		t.Errorf("AvgWaitTime = %v, want >= 0", stats.AvgWaitTime)
	}
}

func TestPool_Resize(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 2
	config.MaxWorkers = 10

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	if err := p.Resize(5); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	waitFor(t, func() bool {
		s := p.Stats()
		return s.ActiveWorkers+s.IdleWorkers >= 5
	}, 2*time.Second, "pool to grow")

	// Shrinking is a no-op request; idle workers leave on their own.
	if err := p.Resize(3); err != nil {
		t.Fatalf("Resize down failed: %v", err)
	}
}

func TestPool_Resize_ClampedToMax(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 3

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	if err := p.Resize(100); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	s := p.Stats()
	if total := s.ActiveWorkers + s.IdleWorkers; total > 3 {
		t.Errorf("worker count = %d, want <= 3", total)
	}
}

func TestPool_Shutdown_RunsQueuedJobs(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 1

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	gate := blockWorkers(t, p, 1)

	var executed int32
	if err := p.Submit(context.Background(), Job{Run: func() {
		atomic.AddInt32(&executed, 1)
	}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownDone <- p.Shutdown(ctx)
	}()

	close(gate)

	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown never returned")
	}

	if atomic.LoadInt32(&executed) != 1 {
		t.Error("queued job was not run before shutdown completed")
	}
}

func TestPool_Shutdown_Idempotent(t *testing.T) {
	p, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown failed: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}
}

func TestPool_Shutdown_Timeout(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 1

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	gate := blockWorkers(t, p, 1)
	defer close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = p.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want context.DeadlineExceeded", err)
	}
}

func TestPool_JobPanicRecovered(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 1

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	if err := p.SubmitFunc(context.Background(), func() {
		panic("job blew up")
	}); err != nil {
		t.Fatalf("SubmitFunc failed: %v", err)
	}

	done := make(chan struct{})
	if err := p.SubmitFunc(context.Background(), func() { close(done) }); err != nil {
		t.Fatalf("SubmitFunc failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	if got := p.Stats().TotalPanics; got != 1 {
		t.Errorf("TotalPanics = %d, want 1", got)
	}
}

func TestPool_ConcurrentSubmit(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 4
	config.MaxWorkers = 8
	config.QueueSize = 100

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	var executed int32
	const concurrency = 50

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.SubmitFunc(context.Background(), func() {
				atomic.AddInt32(&executed, 1)
			}); err != nil {
				t.Errorf("Submit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool {
		return atomic.LoadInt32(&executed) == concurrency
	}, 5*time.Second, "all jobs to run")
}

func TestPool_Priority_Ordering(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 1
	config.QueueSize = 10
	config.EnablePriorityQueue = true

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	gate := blockWorkers(t, p, 1)

	var mu sync.Mutex
	var order []int
	record := func(priority int) Job {
		return Job{
			Priority: priority,
			Run: func() {
				mu.Lock()
				order = append(order, priority)
				mu.Unlock()
			},
		}
	}

	// The dispatcher holds one job while the worker is busy, so the
	// first submission runs first regardless of priority. Ordering
	// applies to everything queued behind it.
	if err := p.Submit(context.Background(), record(1)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	for _, priority := range []int{5, 10, 7} {
		if err := p.Submit(context.Background(), record(priority)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	close(gate)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, "all jobs to run")

	want := []int{1, 10, 7, 5}
	mu.Lock()
	defer mu.Unlock()
	for i, priority := range want {
		if order[i] != priority {
			t.Fatalf("run order = %v, want %v", order, want)
		}
	}
}

func TestPool_Priority_ShutdownDrainsQueue(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 1
	config.QueueSize = 10
	config.EnablePriorityQueue = true

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	gate := blockWorkers(t, p, 1)

	var executed int32
	for i := 0; i < 3; i++ {
		if err := p.Submit(context.Background(), Job{Run: func() {
			atomic.AddInt32(&executed, 1)
		}}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownDone <- p.Shutdown(ctx)
	}()

	close(gate)

	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown never returned")
	}

	if got := atomic.LoadInt32(&executed); got != 3 {
		t.Errorf("executed = %d queued jobs, want 3", got)
	}
}

func TestPool_Priority_RejectWhenFull(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 1
	config.QueueSize = 1
	config.BackpressureStrategy = StrategyReject
	config.EnablePriorityQueue = true

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	gate := blockWorkers(t, p, 1)
	defer close(gate)

	// One job parks with the dispatcher, the next fills the queue.
	if err := p.Submit(context.Background(), Job{Run: func() {}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := p.Submit(context.Background(), Job{Run: func() {}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	err = p.Submit(context.Background(), Job{Run: func() {}})
	if !errors.Is(err, ErrPoolFull) {
		t.Errorf("Submit to full queue = %v, want ErrPoolFull", err)
	}
}

func TestPool_Priority_DropLast(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 1
	config.QueueSize = 2
	config.BackpressureStrategy = StrategyDropOldest
	config.EnablePriorityQueue = true

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	gate := blockWorkers(t, p, 1)

	// Park one job with the dispatcher so the next two stay queued.
	if err := p.Submit(context.Background(), Job{Run: func() {}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	var low, high, incoming int32
	if err := p.Submit(context.Background(), Job{Priority: 1, Run: func() {
		atomic.AddInt32(&low, 1)
	}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := p.Submit(context.Background(), Job{Priority: 10, Run: func() {
		atomic.AddInt32(&high, 1)
	}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Queue full: the lowest-priority job is evicted to make room.
	if err := p.Submit(context.Background(), Job{Priority: 5, Run: func() {
		atomic.AddInt32(&incoming, 1)
	}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	close(gate)
	waitFor(t, func() bool {
		return atomic.LoadInt32(&high) == 1 && atomic.LoadInt32(&incoming) == 1
	}, 2*time.Second, "surviving jobs to run")

	if atomic.LoadInt32(&low) != 0 {
		t.Error("lowest-priority job should have been evicted")
	}
}

func TestPool_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MinWorkers <= 0 {
		t.Error("MinWorkers should be positive")
	}
	if config.MaxWorkers < config.MinWorkers {
		t.Error("MaxWorkers should be >= MinWorkers")
	}
	if config.QueueSize <= 0 {
		t.Error("QueueSize should be positive")
	}
	if config.IdleTimeout <= 0 {
		t.Error("IdleTimeout should be positive")
	}
	if config.BackpressureStrategy != StrategyBlock {
		t.Error("default strategy should be StrategyBlock")
	}
}
