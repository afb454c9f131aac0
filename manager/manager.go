// Package manager owns the external process lifecycle. It sanitizes
// commands, spawns children in their own process groups, streams
// their output, enforces deadlines and records exactly one terminal
// outcome per process.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/victoralfred/goproc/hooks"
	"github.com/victoralfred/goproc/observability"
	"github.com/victoralfred/goproc/pool"
	"github.com/victoralfred/goproc/sanitize"
	"github.com/victoralfred/goproc/stream"
)

// Defaults applied by NewBuilder.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultKillGracePeriod = 5 * time.Second
)

// Manager is the single abstraction for all process invocation.
// All command execution MUST go through this interface.
type Manager interface {
	// Execute runs a command synchronously and returns its stdout.
	// Cancelling the context abandons the wait but never the child;
	// use Kill to stop a running process.
	Execute(ctx context.Context, cmd *Command) (string, error)

	// ExecuteStreaming runs a command with live output delivery. The
	// handler receives the process events in arrival order, exit
	// last, before the call resolves.
	ExecuteStreaming(ctx context.Context, cmd *Command, handler stream.Handler) (string, error)

	// ExecuteAsync runs a command on the worker pool, returning a
	// Future that resolves with Execute's outcome.
	ExecuteAsync(ctx context.Context, cmd *Command) *Future

	// ExecuteBatch runs multiple commands concurrently.
	ExecuteBatch(ctx context.Context, cmds []*Command) ([]BatchResult, error)

	// Kill terminates the identified process. It reports true when
	// this call took the kill; unknown ids and already-terminal
	// records report false.
	Kill(processID string) bool

	// Process returns a snapshot of one process record.
	Process(processID string) (ProcessRecord, bool)

	// ActiveProcesses returns snapshots of all running processes,
	// oldest first.
	ActiveProcesses() []ProcessRecord

	// Ready reports whether the manager accepts new commands.
	Ready() bool

	// Shutdown stops intake, kills every live process, waits for the
	// records to settle (bounded by ctx) and clears them.
	Shutdown(ctx context.Context) error

	// Sanitizer exposes the command sanitizer.
	Sanitizer() *sanitize.Sanitizer

	// Streamer exposes the output streamer.
	Streamer() *stream.Streamer
}

// BatchResult pairs one batch command with its outcome.
type BatchResult struct {
	ID     string
	Output string
	Err    error
}

// RateLimiter controls spawn rate.
type RateLimiter interface {
	// Allow checks if a spawn is allowed.
	Allow(program string) bool
	// Wait blocks until a spawn is allowed.
	Wait(ctx context.Context, program string) error
}

// CircuitBreaker short-circuits programs that keep failing.
type CircuitBreaker interface {
	// Allow checks if a spawn is allowed.
	Allow(program string) bool
	// RecordSuccess records a clean exit.
	RecordSuccess(program string)
	// RecordFailure records a spawn failure or dirty exit.
	RecordFailure(program string)
}

// WorkerPool runs asynchronous commands.
type WorkerPool interface {
	// Submit queues one job.
	Submit(ctx context.Context, job pool.Job) error
	// Shutdown drains the pool.
	Shutdown(ctx context.Context) error
}

// manager is the default implementation.
type manager struct {
	logger    logr.Logger
	sanitizer *sanitize.Sanitizer
	streamer  *stream.Streamer
	registry  *hooks.Registry
	pool      WorkerPool
	limiter   RateLimiter
	breaker   CircuitBreaker
	telemetry observability.Telemetry
	metrics   *observability.Metrics
	audit     observability.AuditLogger

	defaultTimeout time.Duration
	killGrace      time.Duration
	minimalEnv     bool

	// sem bounds concurrently running children; nil is unbounded.
	sem chan struct{}

	mu   sync.RWMutex // protects shutdown check and wg.Add
	wg   sync.WaitGroup
	down int32

	records *recordTable
}

// Builder creates configured Manager instances.
type Builder struct {
	logger           logr.Logger
	sanitizer        *sanitize.Sanitizer
	streamer         *stream.Streamer
	registry         *hooks.Registry
	pool             WorkerPool
	limiter          RateLimiter
	breaker          CircuitBreaker
	telemetry        observability.Telemetry
	metrics          *observability.Metrics
	audit            observability.AuditLogger
	defaultTimeout   time.Duration
	killGrace        time.Duration
	maxConcurrent    int
	streamBufferSize int
	minimalEnv       bool
}

// NewBuilder creates a new manager builder.
func NewBuilder() *Builder {
	return &Builder{
		logger:         logr.Discard(),
		defaultTimeout: DefaultTimeout,
		killGrace:      DefaultKillGracePeriod,
	}
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger logr.Logger) *Builder {
	b.logger = logger
	return b
}

// WithSanitizer sets the command sanitizer.
func (b *Builder) WithSanitizer(s *sanitize.Sanitizer) *Builder {
	b.sanitizer = s
	return b
}

// WithStreamer sets the output streamer.
func (b *Builder) WithStreamer(s *stream.Streamer) *Builder {
	b.streamer = s
	return b
}

// WithHooks sets the hook registry.
func (b *Builder) WithHooks(r *hooks.Registry) *Builder {
	b.registry = r
	return b
}

// WithPool sets the worker pool.
func (b *Builder) WithPool(p WorkerPool) *Builder {
	b.pool = p
	return b
}

// WithRateLimiter sets the rate limiter.
func (b *Builder) WithRateLimiter(limiter RateLimiter) *Builder {
	b.limiter = limiter
	return b
}

// WithCircuitBreaker sets the circuit breaker.
func (b *Builder) WithCircuitBreaker(cb CircuitBreaker) *Builder {
	b.breaker = cb
	return b
}

// WithTelemetry sets the telemetry provider.
func (b *Builder) WithTelemetry(t observability.Telemetry) *Builder {
	b.telemetry = t
	return b
}

// WithMetrics sets the in-process metrics collector.
func (b *Builder) WithMetrics(m *observability.Metrics) *Builder {
	b.metrics = m
	return b
}

// WithAuditLogger sets the audit logger.
func (b *Builder) WithAuditLogger(a observability.AuditLogger) *Builder {
	b.audit = a
	return b
}

// WithDefaultTimeout sets the default execution timeout. Zero
// disables the default; such commands run unbounded.
func (b *Builder) WithDefaultTimeout(timeout time.Duration) *Builder {
	b.defaultTimeout = timeout
	return b
}

// WithKillGracePeriod sets the delay between the graceful and the
// forced signal.
func (b *Builder) WithKillGracePeriod(grace time.Duration) *Builder {
	if grace > 0 {
		b.killGrace = grace
	}
	return b
}

// WithMaxConcurrent bounds simultaneously running processes. Zero
// means unbounded.
func (b *Builder) WithMaxConcurrent(n int) *Builder {
	b.maxConcurrent = n
	return b
}

// WithStreamBufferSize sets the per-process output retention of the
// built-in streamer. Ignored when WithStreamer is used.
func (b *Builder) WithStreamBufferSize(n int) *Builder {
	b.streamBufferSize = n
	return b
}

// WithMinimalEnvironment spawns children with a scrubbed environment
// instead of the parent's.
func (b *Builder) WithMinimalEnvironment() *Builder {
	b.minimalEnv = true
	return b
}

// Build creates the manager.
func (b *Builder) Build() (Manager, error) {
	m := &manager{
		logger:         b.logger,
		sanitizer:      b.sanitizer,
		streamer:       b.streamer,
		registry:       b.registry,
		pool:           b.pool,
		limiter:        b.limiter,
		breaker:        b.breaker,
		telemetry:      b.telemetry,
		metrics:        b.metrics,
		audit:          b.audit,
		defaultTimeout: b.defaultTimeout,
		killGrace:      b.killGrace,
		minimalEnv:     b.minimalEnv,
		records:        newRecordTable(),
	}

	if m.sanitizer == nil {
		m.sanitizer = sanitize.New()
	}
	if m.streamer == nil {
		m.streamer = stream.NewStreamer(&stream.Config{
			MaxBufferSize: b.streamBufferSize,
			Logger:        b.logger,
		})
	}
	if m.registry == nil {
		m.registry = hooks.NewRegistry()
	}
	if m.pool == nil {
		p, err := pool.New(pool.DefaultConfig())
		if err != nil {
			return nil, err
		}
		m.pool = p
	}
	if b.maxConcurrent > 0 {
		m.sem = make(chan struct{}, b.maxConcurrent)
	}

	return m, nil
}

// Process implements Manager.Process.
func (m *manager) Process(processID string) (ProcessRecord, bool) {
	return m.records.get(processID)
}

// ActiveProcesses implements Manager.ActiveProcesses.
func (m *manager) ActiveProcesses() []ProcessRecord {
	return m.records.running()
}

// Ready implements Manager.Ready.
func (m *manager) Ready() bool {
	return atomic.LoadInt32(&m.down) == 0
}

// Sanitizer implements Manager.Sanitizer.
func (m *manager) Sanitizer() *sanitize.Sanitizer {
	return m.sanitizer
}

// Streamer implements Manager.Streamer.
func (m *manager) Streamer() *stream.Streamer {
	return m.streamer
}

// Kill implements Manager.Kill. The record transitions to killed and
// the id's stream closes before this returns; the child, when spawned,
// gets SIGTERM now and SIGKILL after the grace period. The execute
// awaiting the process resolves through its monitor.
func (m *manager) Kill(processID string) bool {
	tp := m.records.lookup(processID)
	if tp == nil {
		return false
	}
	handle, ok := tp.markKilled("process killed on request")
	if !ok {
		return false
	}

	rec := tp.snapshot()
	m.logger.Info("killing process", "id", processID, "program", rec.Program, "pid", rec.PID)

	m.streamer.Close(processID)

	if handle != nil {
		if err := handle.Terminate(); err != nil {
			m.logger.Error(err, "terminate failed", "id", processID, "pid", rec.PID)
		}
		go m.escalate(handle, processID)
	}
	return true
}

// Shutdown implements Manager.Shutdown. It is idempotent; calls after
// the first return nil immediately.
func (m *manager) Shutdown(ctx context.Context) error {
	// Acquire write lock to prevent new executions from starting
	// Any Execute calls will block on RLock until we release
	m.mu.Lock()
	first := atomic.CompareAndSwapInt32(&m.down, 0, 1)
	m.mu.Unlock()
	if !first {
		return nil
	}

	m.logger.Info("manager shutting down")

	// Put down everything still alive. Each record's own monitor
	// resolves the outcome; we only deliver the signals.
	var kills sync.WaitGroup
	for _, tp := range m.records.live() {
		kills.Add(1)
		go func(tp *trackedProcess) {
			defer kills.Done()
			handle, ok := tp.markKilled("manager shutdown")
			if !ok || handle == nil {
				return
			}
			id := tp.snapshot().ID
			if err := handle.Terminate(); err != nil {
				m.logger.Error(err, "terminate failed", "id", id)
			}
			m.escalate(handle, id)
		}(tp)
	}

	done := make(chan struct{})
	go func() {
		kills.Wait()
		m.wg.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
	case <-ctx.Done():
		shutdownErr = ctx.Err()
	}

	m.streamer.Shutdown()

	// Monitors hold their own record pointers, so a straggler past the
	// deadline still resolves safely after the table is cleared.
	m.records.clear()

	if err := m.pool.Shutdown(ctx); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	if m.audit != nil {
		if err := m.audit.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	m.logger.Info("manager shutdown complete")
	return shutdownErr
}

// auditLog writes one audit event, downgrading failures to log lines.
func (m *manager) auditLog(ctx context.Context, event *observability.AuditEvent) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(ctx, event); err != nil {
		m.logger.Error(err, "audit log", "id", event.ID, "type", string(event.Type))
	}
}

func (m *manager) runAfterExit(ctx context.Context, exit hooks.ProcessExit) {
	if err := m.registry.RunAfterExit(ctx, exit); err != nil {
		m.logger.Error(err, "after-exit hook", "id", exit.ID)
	}
}

func (m *manager) runErrorHooks(ctx context.Context, cmd *Command, procErr error) {
	if err := m.registry.RunError(ctx, hooks.ProcessError{
		ID:      cmd.ID,
		Program: cmd.Program,
		Err:     procErr,
	}); err != nil {
		m.logger.Error(err, "error hook", "id", cmd.ID)
	}
}
