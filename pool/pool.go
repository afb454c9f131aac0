// Package pool provides a bounded worker pool with backpressure for
// queued process jobs.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors.
var (
	ErrPoolFull     = errors.New("worker pool is full")
	ErrPoolShutdown = errors.New("worker pool is shutdown")
)

// Job is a unit of work for the pool.
type Job struct {
	SubmittedAt time.Time
	Run         func()
	Priority    int
}

// Pool manages a bounded set of workers.
type Pool interface {
	// Submit queues a job.
	Submit(ctx context.Context, job Job) error

	// SubmitFunc queues a plain function as a job.
	SubmitFunc(ctx context.Context, fn func()) error

	// Stats returns current pool statistics.
	Stats() Stats

	// Resize grows the worker count up to MaxWorkers.
	Resize(workers int) error

	// Shutdown stops the pool, finishing queued jobs where possible.
	Shutdown(ctx context.Context) error
}

// Config configures the worker pool.
type Config struct {
	// MinWorkers is the number of workers kept alive.
	MinWorkers int

	// MaxWorkers bounds the worker count.
	MaxWorkers int

	// QueueSize bounds the number of queued jobs.
	QueueSize int

	// BackpressureStrategy defines behavior when the queue is full.
	BackpressureStrategy BackpressureStrategy

	// IdleTimeout is how long an extra worker stays idle before it
	// exits.
	IdleTimeout time.Duration

	// EnablePriorityQueue schedules queued jobs by priority instead
	// of submission order.
	EnablePriorityQueue bool
}

// BackpressureStrategy defines how Submit behaves on a full queue.
type BackpressureStrategy int

const (
	// StrategyBlock waits for space.
	StrategyBlock BackpressureStrategy = iota

	// StrategyReject fails with ErrPoolFull.
	StrategyReject

	// StrategyDropOldest evicts the job that would run last.
	StrategyDropOldest

	// StrategyCallerRuns executes in the caller's goroutine.
	StrategyCallerRuns
)

// Stats is a snapshot of pool activity.
type Stats struct {
	ActiveWorkers  int32
	IdleWorkers    int32
	QueueLength    int
	QueueCapacity  int
	TotalSubmitted int64
	TotalCompleted int64
	TotalRejected  int64
	TotalTimeout   int64
	TotalPanics    int64
	AvgWaitTime    time.Duration
	AvgExecTime    time.Duration
}

type pool struct {
	config     Config
	taskQueue  chan Job
	pq         *PriorityQueue
	dispatchCh chan Job
	space      chan struct{}
	stats      *stats
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	scaleMu    sync.Mutex
	workers    int32
	shutdown   int32
}

type stats struct {
	activeWorkers  int32
	idleWorkers    int32
	totalSubmitted int64
	totalCompleted int64
	totalRejected  int64
	totalTimeout   int64
	totalPanics    int64
	totalWaitTime  int64
	totalExecTime  int64
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MinWorkers:           4,
		MaxWorkers:           32,
		QueueSize:            1000,
		BackpressureStrategy: StrategyBlock,
		IdleTimeout:          30 * time.Second,
		EnablePriorityQueue:  false,
	}
}

// New creates a worker pool and starts its minimum workers.
func New(config Config) (Pool, error) {
	if config.MinWorkers <= 0 {
		config.MinWorkers = 1
	}
	if config.MaxWorkers < config.MinWorkers {
		config.MaxWorkers = config.MinWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.MaxWorkers * 10
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}

	p := &pool{
		config:     config,
		stats:      &stats{},
		shutdownCh: make(chan struct{}),
	}

	if config.EnablePriorityQueue {
		p.pq = NewPriorityQueue(config.QueueSize)
		p.dispatchCh = make(chan Job)
		p.space = make(chan struct{}, 1)
		p.wg.Add(1)
		go p.dispatchLoop()
	} else {
		p.taskQueue = make(chan Job, config.QueueSize)
	}

	for i := 0; i < config.MinWorkers; i++ {
		p.startWorker()
	}

	go p.autoscale()

	return p, nil
}

// Submit implements Pool.Submit.
func (p *pool) Submit(ctx context.Context, job Job) error {
	if atomic.LoadInt32(&p.shutdown) == 1 {
		return ErrPoolShutdown
	}

	job.SubmittedAt = time.Now()
	atomic.AddInt64(&p.stats.totalSubmitted, 1)

	switch p.config.BackpressureStrategy {
	case StrategyReject:
		return p.submitNonBlocking(job)
	case StrategyCallerRuns:
		return p.submitCallerRuns(job)
	case StrategyDropOldest:
		return p.submitDropOldest(job)
	default:
		return p.submitBlocking(ctx, job)
	}
}

// SubmitFunc implements Pool.SubmitFunc.
func (p *pool) SubmitFunc(ctx context.Context, fn func()) error {
	return p.Submit(ctx, Job{Run: fn})
}

func (p *pool) submitBlocking(ctx context.Context, job Job) error {
	if p.pq != nil {
		for {
			if p.pq.Push(job) {
				return nil
			}
			select {
			case <-p.space:
			case <-ctx.Done():
				atomic.AddInt64(&p.stats.totalTimeout, 1)
				return ctx.Err()
			case <-p.shutdownCh:
				return ErrPoolShutdown
			}
		}
	}

	select {
	case p.taskQueue <- job:
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&p.stats.totalTimeout, 1)
		return ctx.Err()
	case <-p.shutdownCh:
		return ErrPoolShutdown
	}
}

func (p *pool) submitNonBlocking(job Job) error {
	if p.pq != nil {
		if p.pq.Push(job) {
			return nil
		}
		atomic.AddInt64(&p.stats.totalRejected, 1)
		return ErrPoolFull
	}

	select {
	case p.taskQueue <- job:
		return nil
	default:
		atomic.AddInt64(&p.stats.totalRejected, 1)
		return ErrPoolFull
	}
}

func (p *pool) submitCallerRuns(job Job) error {
	if p.pq != nil {
		if p.pq.Push(job) {
			return nil
		}
		p.runJob(job)
		return nil
	}

	select {
	case p.taskQueue <- job:
		return nil
	default:
		p.runJob(job)
		return nil
	}
}

func (p *pool) submitDropOldest(job Job) error {
	if p.pq != nil {
		if p.pq.Push(job) {
			return nil
		}
		if _, ok := p.pq.DropLast(); ok {
			atomic.AddInt64(&p.stats.totalRejected, 1)
		}
		if p.pq.Push(job) {
			return nil
		}
		atomic.AddInt64(&p.stats.totalRejected, 1)
		return ErrPoolFull
	}

	select {
	case p.taskQueue <- job:
		return nil
	default:
	}
	select {
	case <-p.taskQueue:
		atomic.AddInt64(&p.stats.totalRejected, 1)
	default:
	}
	select {
	case p.taskQueue <- job:
		return nil
	default:
		atomic.AddInt64(&p.stats.totalRejected, 1)
		return ErrPoolFull
	}
}

// Stats implements Pool.Stats.
func (p *pool) Stats() Stats {
	queueLen, queueCap := 0, 0
	if p.pq != nil {
		queueLen, queueCap = p.pq.Len(), p.pq.Cap()
	} else {
		queueLen, queueCap = len(p.taskQueue), cap(p.taskQueue)
	}

	return Stats{
		ActiveWorkers:  atomic.LoadInt32(&p.stats.activeWorkers),
		IdleWorkers:    atomic.LoadInt32(&p.stats.idleWorkers),
		QueueLength:    queueLen,
		QueueCapacity:  queueCap,
		TotalSubmitted: atomic.LoadInt64(&p.stats.totalSubmitted),
		TotalCompleted: atomic.LoadInt64(&p.stats.totalCompleted),
		TotalRejected:  atomic.LoadInt64(&p.stats.totalRejected),
		TotalTimeout:   atomic.LoadInt64(&p.stats.totalTimeout),
		TotalPanics:    atomic.LoadInt64(&p.stats.totalPanics),
		AvgWaitTime:    p.avgWaitTime(),
		AvgExecTime:    p.avgExecTime(),
	}
}

// Resize implements Pool.Resize. The pool only grows on demand;
// surplus workers leave on their own after IdleTimeout.
func (p *pool) Resize(workers int) error {
	if workers < 1 {
		workers = 1
	}

	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	current := int(atomic.LoadInt32(&p.workers))
	for i := current; i < workers && i < p.config.MaxWorkers; i++ {
		p.startWorkerLocked()
	}
	return nil
}

// Shutdown implements Pool.Shutdown. Queued jobs are run before the
// workers exit; the context bounds how long to wait for them.
func (p *pool) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.shutdown, 0, 1) {
		return nil
	}

	close(p.shutdownCh)
	if p.pq != nil {
		p.pq.Stop()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchLoop feeds queued jobs to workers in priority order. After
// Stop it drains the queue, then closes the dispatch channel so the
// workers exit.
func (p *pool) dispatchLoop() {
	defer p.wg.Done()
	defer close(p.dispatchCh)

	for {
		job, ok := p.pq.Pop()
		if !ok {
			return
		}
		select {
		case p.space <- struct{}{}:
		default:
		}
		p.dispatchCh <- job
	}
}

type worker struct {
	pool *pool
}

func (p *pool) startWorker() {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()
	p.startWorkerLocked()
}

func (p *pool) startWorkerLocked() {
	atomic.AddInt32(&p.workers, 1)
	p.wg.Add(1)
	w := &worker{pool: p}
	go w.run()
}

func (w *worker) run() {
	p := w.pool
	defer p.wg.Done()
	defer atomic.AddInt32(&p.workers, -1)

	source := p.taskQueue
	shutdownCh := p.shutdownCh
	if p.pq != nil {
		// The dispatcher owns shutdown: it drains the queue and
		// closes the source.
		source = p.dispatchCh
		shutdownCh = nil
	}

	idleTimer := time.NewTimer(p.config.IdleTimeout)
	defer idleTimer.Stop()

	isIdle := true
	for {
		if isIdle {
			atomic.AddInt32(&p.stats.idleWorkers, 1)
		}

		select {
		case job, ok := <-source:
			if isIdle {
				atomic.AddInt32(&p.stats.idleWorkers, -1)
			}
			if !ok {
				return
			}

			isIdle = false
			atomic.AddInt32(&p.stats.activeWorkers, 1)
			p.runJob(job)
			atomic.AddInt32(&p.stats.activeWorkers, -1)

			idleTimer.Reset(p.config.IdleTimeout)
			isIdle = true

		case <-idleTimer.C:
			if isIdle {
				atomic.AddInt32(&p.stats.idleWorkers, -1)
			}
			if p.canShrink() {
				return
			}
			idleTimer.Reset(p.config.IdleTimeout)
			isIdle = true

		case <-shutdownCh:
			if isIdle {
				atomic.AddInt32(&p.stats.idleWorkers, -1)
			}
			for {
				select {
				case job := <-source:
					p.runJob(job)
				default:
					return
				}
			}
		}
	}
}

func (p *pool) runJob(job Job) {
	start := time.Now()
	atomic.AddInt64(&p.stats.totalWaitTime, int64(start.Sub(job.SubmittedAt)))

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.stats.totalPanics, 1)
		}
		atomic.AddInt64(&p.stats.totalExecTime, int64(time.Since(start)))
		atomic.AddInt64(&p.stats.totalCompleted, 1)
	}()

	if job.Run != nil {
		job.Run()
	}
}

func (p *pool) canShrink() bool {
	return int(atomic.LoadInt32(&p.workers)) > p.config.MinWorkers
}

func (p *pool) autoscale() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.maybeScale()
		case <-p.shutdownCh:
			return
		}
	}
}

func (p *pool) maybeScale() {
	stats := p.Stats()
	if stats.QueueCapacity == 0 {
		return
	}
	utilization := float64(stats.QueueLength) / float64(stats.QueueCapacity)

	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	current := int(atomic.LoadInt32(&p.workers))
	if utilization > 0.75 && current < p.config.MaxWorkers {
		toAdd := (p.config.MaxWorkers - current) / 2
		if toAdd < 1 {
			toAdd = 1
		}
		for i := 0; i < toAdd && current+i < p.config.MaxWorkers; i++ {
			p.startWorkerLocked()
		}
	}
}

func (p *pool) avgWaitTime() time.Duration {
	completed := atomic.LoadInt64(&p.stats.totalCompleted)
	if completed == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&p.stats.totalWaitTime) / completed)
}

func (p *pool) avgExecTime() time.Duration {
	completed := atomic.LoadInt64(&p.stats.totalCompleted)
	if completed == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&p.stats.totalExecTime) / completed)
}
