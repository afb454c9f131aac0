package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victoralfred/goproc/hooks"
	"github.com/victoralfred/goproc/internal/envutil"
	internalexec "github.com/victoralfred/goproc/internal/exec"
	"github.com/victoralfred/goproc/observability"
	"github.com/victoralfred/goproc/pool"
	"github.com/victoralfred/goproc/resilience"
	"github.com/victoralfred/goproc/sanitize"
	"github.com/victoralfred/goproc/stream"
)

var (
	errKilledBeforeSpawn = errors.New("killed before spawn")
	errStillRunning      = errors.New("process still running")
)

// collector accumulates output chunks across reader goroutines.
type collector struct {
	mu sync.Mutex
	sb strings.Builder
}

func (c *collector) add(chunk string) {
	c.mu.Lock()
	c.sb.WriteString(chunk)
	c.mu.Unlock()
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sb.String()
}

// execution carries one spawned process from start to outcome.
type execution struct {
	cmd     *Command
	tp      *trackedProcess
	handle  *internalexec.Handle
	stdout  collector
	stderr  collector
	timeout time.Duration
	release func()
	outcome chan outcomeMsg
}

type outcomeMsg struct {
	output string
	err    error
}

// Execute implements Manager.Execute.
func (m *manager) Execute(ctx context.Context, cmd *Command) (string, error) {
	// Use mutex to ensure shutdown check and wg.Add are atomic
	// This prevents a race where Shutdown starts wg.Wait() between our check and Add
	m.mu.RLock()
	if atomic.LoadInt32(&m.down) == 1 {
		m.mu.RUnlock()
		return "", NewShutdownError("execute")
	}
	m.wg.Add(1)
	m.mu.RUnlock()

	defer m.wg.Done()

	if cmd == nil || cmd.Program == "" {
		return "", fmt.Errorf("%w: program is required", ErrInvalidCommand)
	}
	cmd = cmd.ensureID()

	// Start telemetry span
	if m.telemetry != nil {
		var endSpan func()
		ctx, endSpan = m.telemetry.StartSpan(ctx, "manager.execute",
			observability.WithAttribute("program", cmd.Program),
			observability.WithAttribute("process_id", cmd.ID),
		)
		defer endSpan()
	}

	tp, err := m.records.register(cmd)
	if err != nil {
		return "", err
	}

	// Validate against the selected profile
	tp.advance(StatusSanitizing)
	verdict := m.sanitizer.Validate(cmd.Program, cmd.Args, cmd.WorkingDir, cmd.Policy)
	if !verdict.Valid {
		return "", m.reject(ctx, cmd, tp, verdict)
	}
	if len(verdict.Warnings) > 0 {
		m.logger.Info("command passed with warnings",
			"id", cmd.ID, "program", cmd.Program, "warnings", verdict.WarningMessages())
	}

	// Check rate limiter
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx, cmd.Program); err != nil {
			return "", m.failBeforeSpawn(ctx, cmd, tp,
				NewRateLimitError(cmd.Program, cmd.ID), observability.ReasonRateLimited)
		}
	}

	// Check circuit breaker
	if m.breaker != nil && !m.breaker.Allow(cmd.Program) {
		return "", m.failBeforeSpawn(ctx, cmd, tp,
			NewCircuitOpenError(cmd.Program, cmd.ID), observability.ReasonCircuitOpen)
	}

	// Before-spawn hooks may veto
	if err := m.registry.RunBeforeSpawn(ctx, hooks.ProcessSpawn{
		ID:         cmd.ID,
		Program:    verdict.Program,
		Args:       verdict.Args,
		WorkingDir: verdict.WorkingDir,
		Policy:     verdict.Policy,
	}); err != nil {
		return "", m.failBeforeSpawn(ctx, cmd, tp,
			NewSpawnError(cmd.Program, cmd.ID, err), observability.ReasonSpawn)
	}

	// Concurrency gate
	release := func() {}
	if m.sem != nil {
		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			if !tp.finalize(StatusFailed, nil, "", ctx.Err().Error()) {
				m.observeKilledBeforeSpawn(ctx, cmd, tp)
				return "", NewSpawnError(cmd.Program, cmd.ID, errKilledBeforeSpawn)
			}
			return "", ctx.Err()
		}
		var once sync.Once
		release = func() { once.Do(func() { <-m.sem }) }
	}

	// A kill may have landed while this command was queued
	if tp.killed() {
		release()
		m.observeKilledBeforeSpawn(ctx, cmd, tp)
		return "", NewSpawnError(cmd.Program, cmd.ID, errKilledBeforeSpawn)
	}

	tp.advance(StatusSpawning)

	ex, err := m.spawn(ctx, cmd, tp, verdict, release)
	if err != nil {
		release()
		return "", err
	}

	select {
	case out := <-ex.outcome:
		return out.output, out.err
	case <-ctx.Done():
		// Abandonment: the child keeps running and the monitor still
		// resolves the record. Kill stops it.
		return "", ctx.Err()
	}
}

// spawn starts the child and its monitor. Failures are finalized and
// observed before returning.
func (m *manager) spawn(ctx context.Context, cmd *Command, tp *trackedProcess, verdict *sanitize.Verdict, release func()) (*execution, error) {
	base := envutil.Inherited()
	if m.minimalEnv {
		base = envutil.Minimal()
	}

	ex := &execution{
		cmd:     cmd,
		tp:      tp,
		timeout: cmd.effectiveTimeout(m.defaultTimeout),
		release: release,
		outcome: make(chan outcomeMsg, 1),
	}

	handle, err := internalexec.Start(internalexec.StartConfig{
		Program:    verdict.Program,
		Args:       verdict.Args,
		WorkingDir: verdict.WorkingDir,
		Env:        envutil.ToList(envutil.Merge(base, cmd.Env)),
		Input:      []byte(cmd.Input),
		OnStdout: func(chunk string) {
			ex.stdout.add(chunk)
			m.streamer.Publish(stream.Event{ProcessID: cmd.ID, Type: stream.EventStdout, Payload: chunk})
		},
		OnStderr: func(chunk string) {
			ex.stderr.add(chunk)
			m.streamer.Publish(stream.Event{ProcessID: cmd.ID, Type: stream.EventStderr, Payload: chunk})
		},
		Limits: cmd.Limits.toExec(),
	})
	if err != nil {
		if m.breaker != nil {
			m.breaker.RecordFailure(cmd.Program)
		}
		spErr := NewSpawnError(cmd.Program, cmd.ID, err)
		if !tp.finalize(StatusFailed, nil, "", spErr.Error()) {
			m.observeKilledBeforeSpawn(ctx, cmd, tp)
			return nil, NewSpawnError(cmd.Program, cmd.ID, errKilledBeforeSpawn)
		}
		m.observeFailure(ctx, cmd, tp, spErr, observability.ReasonSpawn)
		return nil, spErr
	}
	ex.handle = handle

	if limitErr := handle.LimitError(); limitErr != nil {
		m.logger.Info("resource limits not fully applied",
			"id", cmd.ID, "pid", handle.Pid(), "reason", limitErr.Error())
	}

	// A kill between the killed() check and Start lands here; the
	// record is already terminal and the fresh child must go down.
	if killedMeanwhile := tp.attach(handle); killedMeanwhile {
		if err := handle.Terminate(); err != nil {
			m.logger.Error(err, "terminate failed", "id", cmd.ID, "pid", handle.Pid())
		}
		go m.escalate(handle, cmd.ID)
	}

	m.observeSpawn(ctx, cmd, tp, verdict)

	// Execute's own wg token is still held, so this Add cannot race
	// Shutdown's Wait.
	m.wg.Add(1)
	go m.monitor(ex)

	return ex, nil
}

// monitor owns the terminal transition of a spawned process. It waits
// for exit or deadline, classifies the outcome, publishes the exit
// event and resolves the awaiting Execute.
func (m *manager) monitor(ex *execution) {
	defer m.wg.Done()
	defer ex.release()

	cmd, tp, handle := ex.cmd, ex.tp, ex.handle
	ctx := context.Background()

	var deadline <-chan time.Time
	if ex.timeout > 0 {
		timer := time.NewTimer(ex.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	timedOut := false
	select {
	case <-handle.Done():
	case <-deadline:
		timedOut = true
		m.logger.Info("process deadline exceeded, terminating",
			"id", cmd.ID, "pid", handle.Pid(), "timeout", ex.timeout)
		if err := handle.Terminate(); err != nil {
			m.logger.Error(err, "terminate failed", "id", cmd.ID, "pid", handle.Pid())
		}
		go m.escalate(handle, cmd.ID)
		<-handle.Done()
	}

	res, waitErr := handle.Result()

	var exitCode *int
	signal := ""
	if res != nil {
		code := res.ExitCode
		exitCode = &code
		if res.Signaled {
			signal = res.Signal.String()
		}
	}

	var status Status
	var resolveErr error
	switch {
	case timedOut:
		status = StatusFailed
		resolveErr = NewTimeoutError(cmd.Program, cmd.ID, ex.timeout)
	case waitErr != nil:
		status = StatusFailed
		resolveErr = &CommandError{
			Op:        "wait",
			Program:   cmd.Program,
			ProcessID: cmd.ID,
			Err:       waitErr,
			Code:      ErrCodeInternalError,
		}
	case res != nil && res.ExitCode == 0 && !res.Signaled:
		status = StatusCompleted
	default:
		code := -1
		if res != nil {
			code = res.ExitCode
		}
		status = StatusFailed
		resolveErr = NewProcessExitError(cmd.Program, cmd.ID, code, signal, ex.stderr.String())
	}

	errText := ""
	if resolveErr != nil {
		errText = resolveErr.Error()
	}
	if !tp.finalize(status, exitCode, signal, errText) {
		// A kill won the terminal transition; the caller learns it
		// was killed regardless of how the exit classified.
		tp.noteExit(exitCode, signal)
		resolveErr = NewKilledError(cmd.Program, cmd.ID, signal)
	} else if m.breaker != nil {
		if status == StatusCompleted {
			m.breaker.RecordSuccess(cmd.Program)
		} else {
			m.breaker.RecordFailure(cmd.Program)
		}
	}

	if timedOut || waitErr != nil {
		m.streamer.PublishError(cmd.ID, errText)
	}
	code := -1
	if exitCode != nil {
		code = *exitCode
	}
	m.streamer.PublishExit(cmd.ID, code)

	m.observeExit(ctx, cmd, tp.snapshot(), ex.stdout.String(), resolveErr)

	ex.outcome <- outcomeMsg{output: ex.stdout.String(), err: resolveErr}
}

// escalate waits out the grace period, then forces a SIGKILL and
// confirms the reap.
func (m *manager) escalate(handle *internalexec.Handle, processID string) {
	select {
	case <-handle.Done():
		return
	case <-time.After(m.killGrace):
	}

	m.logger.Info("process survived grace period, killing",
		"id", processID, "pid", handle.Pid())
	if err := handle.Kill(); err != nil {
		m.logger.Error(err, "kill failed", "id", processID, "pid", handle.Pid())
	}

	// SIGKILL delivery is not synchronous; poll the reap before
	// declaring the child stuck.
	backoff := resilience.NewExponentialBackoff(resilience.BackoffConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2.0,
		MaxRetries:      8,
	})
	err := resilience.RetryWithBackoff(context.Background(), backoff, func() error {
		select {
		case <-handle.Done():
			return nil
		default:
			return errStillRunning
		}
	})
	if err != nil {
		m.logger.Error(err, "process survived SIGKILL", "id", processID, "pid", handle.Pid())
	}
}

// ExecuteStreaming implements Manager.ExecuteStreaming. The stream
// opens before the spawn so no output is lost, and closes when the
// call resolves. Buffered output is preferred over collected stdout
// when both exist.
func (m *manager) ExecuteStreaming(ctx context.Context, cmd *Command, handler stream.Handler) (string, error) {
	if cmd == nil || cmd.Program == "" {
		return "", fmt.Errorf("%w: program is required", ErrInvalidCommand)
	}
	cmd = cmd.ensureID()

	// An open stream under this id belongs to a live streaming
	// execution; bail before touching it. Races on the same id are
	// caught by register.
	if m.streamer.IsOpen(cmd.ID) {
		return "", NewDuplicateIDError(cmd.ID)
	}

	if handler != nil {
		sub := m.streamer.SubscribeProcess(cmd.ID, handler)
		defer m.streamer.Unsubscribe(sub)
	}
	m.streamer.Open(cmd.ID)
	defer m.streamer.Close(cmd.ID)

	output, err := m.Execute(ctx, cmd)
	if buffered := m.streamer.FullOutput(cmd.ID); buffered != "" {
		output = buffered
	}
	return output, err
}

// ExecuteAsync implements Manager.ExecuteAsync.
func (m *manager) ExecuteAsync(ctx context.Context, cmd *Command) *Future {
	id := ""
	priority := PriorityNormal
	if cmd != nil {
		cmd = cmd.ensureID()
		id = cmd.ID
		priority = cmd.Priority
	}

	asyncCtx, cancel := context.WithCancel(ctx)
	future := newFuture(id, cancel)

	err := m.pool.Submit(ctx, pool.Job{
		SubmittedAt: time.Now(),
		Priority:    int(priority),
		Run: func() {
			output, err := m.Execute(asyncCtx, cmd)
			future.complete(output, err)
		},
	})
	if err != nil {
		cancel()
		future.complete("", err)
	}
	return future
}

// ExecuteBatch implements Manager.ExecuteBatch. The returned error is
// the first failure in submission order; the results carry every
// individual outcome.
func (m *manager) ExecuteBatch(ctx context.Context, cmds []*Command) ([]BatchResult, error) {
	results := make([]BatchResult, len(cmds))

	var wg sync.WaitGroup
	for i, cmd := range cmds {
		if cmd != nil {
			cmd = cmd.ensureID()
			results[i].ID = cmd.ID
		}
		wg.Add(1)
		go func(idx int, c *Command) {
			defer wg.Done()
			results[idx].Output, results[idx].Err = m.Execute(ctx, c)
		}(i, cmd)
	}

	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			return results, r.Err
		}
	}
	return results, nil
}

// reject finalizes a sanitizer rejection. No process ever exists on
// this path.
func (m *manager) reject(ctx context.Context, cmd *Command, tp *trackedProcess, verdict *sanitize.Verdict) error {
	rejErr := NewSanitizationError(cmd.Program, cmd.ID, verdict)
	if !tp.finalize(StatusRejected, nil, "", rejErr.Error()) {
		m.observeKilledBeforeSpawn(ctx, cmd, tp)
		return NewSpawnError(cmd.Program, cmd.ID, errKilledBeforeSpawn)
	}

	m.logger.Info("command rejected",
		"id", cmd.ID, "program", cmd.Program, "policy", verdict.Policy,
		"violations", verdict.Messages())

	if m.telemetry != nil {
		m.telemetry.RecordCounter(observability.MetricRejectedTotal,
			map[string]string{"program": cmd.Program})
	}
	if m.metrics != nil {
		m.metrics.RecordProcess(observability.ProcessSample{
			Program:  cmd.Program,
			Status:   StatusRejected.String(),
			Duration: tp.snapshot().Duration(),
		})
	}
	m.auditLog(ctx, &observability.AuditEvent{
		Timestamp:  time.Now(),
		ID:         cmd.ID,
		Type:       observability.AuditEventRejected,
		Program:    cmd.Program,
		WorkingDir: cmd.WorkingDir,
		Policy:     verdict.Policy,
		Status:     StatusRejected.String(),
		Error:      rejErr.Error(),
		Args:       cmd.Args,
		Violations: verdict.Messages(),
		Warnings:   verdict.WarningMessages(),
		Metadata:   cmd.Metadata,
	})
	return rejErr
}

// failBeforeSpawn finalizes a pre-spawn failure. When a concurrent
// kill already took the terminal transition the kill wins.
func (m *manager) failBeforeSpawn(ctx context.Context, cmd *Command, tp *trackedProcess, failErr error, reason string) error {
	if !tp.finalize(StatusFailed, nil, "", failErr.Error()) {
		m.observeKilledBeforeSpawn(ctx, cmd, tp)
		return NewSpawnError(cmd.Program, cmd.ID, errKilledBeforeSpawn)
	}
	m.observeFailure(ctx, cmd, tp, failErr, reason)
	return failErr
}

func (m *manager) observeFailure(ctx context.Context, cmd *Command, tp *trackedProcess, failErr error, reason string) {
	m.logger.Info("command failed before spawn",
		"id", cmd.ID, "program", cmd.Program, "reason", reason, "error", failErr.Error())

	if m.telemetry != nil {
		m.telemetry.RecordCounter(observability.MetricErrorsTotal,
			map[string]string{"program": cmd.Program, "reason": reason})
	}
	if m.metrics != nil {
		m.metrics.RecordProcess(observability.ProcessSample{
			Program:  cmd.Program,
			Status:   StatusFailed.String(),
			Reason:   reason,
			Duration: tp.snapshot().Duration(),
		})
	}
	m.auditLog(ctx, &observability.AuditEvent{
		Timestamp: time.Now(),
		ID:        cmd.ID,
		Type:      observability.AuditEventError,
		Program:   cmd.Program,
		Status:    StatusFailed.String(),
		Error:     failErr.Error(),
		Args:      cmd.Args,
		Metadata:  cmd.Metadata,
	})
	m.runErrorHooks(ctx, cmd, failErr)
}

// observeKilledBeforeSpawn records the end of a command whose kill
// landed before any child existed. No monitor ever runs for it.
func (m *manager) observeKilledBeforeSpawn(ctx context.Context, cmd *Command, tp *trackedProcess) {
	rec := tp.snapshot()
	m.logger.Info("command killed before spawn", "id", cmd.ID, "program", cmd.Program)

	if m.telemetry != nil {
		m.telemetry.RecordCounter(observability.MetricKilledTotal,
			map[string]string{"program": cmd.Program})
	}
	if m.metrics != nil {
		m.metrics.RecordProcess(observability.ProcessSample{
			Program:  cmd.Program,
			Status:   StatusKilled.String(),
			Duration: rec.Duration(),
		})
	}
	m.auditLog(ctx, &observability.AuditEvent{
		Timestamp: time.Now(),
		ID:        cmd.ID,
		Type:      observability.AuditEventKilled,
		Program:   cmd.Program,
		Status:    StatusKilled.String(),
		Error:     rec.Error,
		Args:      cmd.Args,
		Metadata:  cmd.Metadata,
	})
	m.runAfterExit(ctx, hooks.ProcessExit{
		ID:       cmd.ID,
		Program:  cmd.Program,
		Status:   StatusKilled.String(),
		ExitCode: -1,
		Duration: rec.Duration(),
		Err:      ErrKilled,
	})
}

func (m *manager) observeSpawn(ctx context.Context, cmd *Command, tp *trackedProcess, verdict *sanitize.Verdict) {
	rec := tp.snapshot()
	m.logger.V(1).Info("process spawned",
		"id", cmd.ID, "program", cmd.Program, "pid", rec.PID)

	if m.telemetry != nil {
		m.telemetry.RecordCounter(observability.MetricSpawnsTotal,
			map[string]string{"program": cmd.Program})
		m.telemetry.AddGauge(observability.MetricActiveProcesses, 1, nil)
	}

	typ := observability.AuditEventSpawn
	if len(verdict.Warnings) > 0 {
		typ = observability.AuditEventWarning
	}
	m.auditLog(ctx, &observability.AuditEvent{
		Timestamp:  time.Now(),
		ID:         cmd.ID,
		Type:       typ,
		Program:    cmd.Program,
		WorkingDir: verdict.WorkingDir,
		Policy:     verdict.Policy,
		Status:     rec.Status.String(),
		Args:       cmd.Args,
		Warnings:   verdict.WarningMessages(),
		Pid:        rec.PID,
		Metadata:   cmd.Metadata,
	})
}

// observeExit records the terminal outcome of a spawned process.
func (m *manager) observeExit(ctx context.Context, cmd *Command, rec ProcessRecord, output string, resolveErr error) {
	duration := rec.Duration()
	exitCode := -1
	if rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}

	m.logger.Info("process finished",
		"id", rec.ID, "program", rec.Program, "status", rec.Status.String(),
		"exit_code", exitCode, "duration", duration)

	if m.telemetry != nil {
		m.telemetry.AddGauge(observability.MetricActiveProcesses, -1, nil)
		m.telemetry.RecordDuration(observability.MetricProcessDuration, duration.Seconds(),
			map[string]string{"program": rec.Program, "status": rec.Status.String()})
		switch rec.Status {
		case StatusKilled:
			m.telemetry.RecordCounter(observability.MetricKilledTotal,
				map[string]string{"program": rec.Program})
		case StatusFailed:
			m.telemetry.RecordCounter(observability.MetricErrorsTotal,
				map[string]string{"program": rec.Program, "reason": reasonOf(resolveErr)})
		}
	}
	if m.metrics != nil {
		m.metrics.RecordProcess(observability.ProcessSample{
			Program:  rec.Program,
			Status:   rec.Status.String(),
			Reason:   reasonOf(resolveErr),
			ExitCode: exitCode,
			Duration: duration,
		})
	}

	typ := observability.AuditEventExit
	if rec.Status == StatusKilled {
		typ = observability.AuditEventKilled
	}
	m.auditLog(ctx, &observability.AuditEvent{
		Timestamp: time.Now(),
		ID:        rec.ID,
		Type:      typ,
		Program:   rec.Program,
		Status:    rec.Status.String(),
		Error:     rec.Error,
		Output:    output,
		Args:      cmd.Args,
		Duration:  duration,
		ExitCode:  exitCode,
		Pid:       rec.PID,
		Metadata:  cmd.Metadata,
	})

	m.runAfterExit(ctx, hooks.ProcessExit{
		ID:       rec.ID,
		Program:  rec.Program,
		Status:   rec.Status.String(),
		ExitCode: exitCode,
		Duration: duration,
		Err:      resolveErr,
	})
}

// reasonOf maps an execution error to a metrics reason label.
func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	switch GetErrorCode(err) {
	case ErrCodeTimeout:
		return observability.ReasonTimeout
	case ErrCodeSpawnFailed:
		return observability.ReasonSpawn
	case ErrCodeProcessExit, ErrCodeKilled:
		return observability.ReasonExit
	case ErrCodeRateLimited:
		return observability.ReasonRateLimited
	case ErrCodeCircuitOpen:
		return observability.ReasonCircuitOpen
	default:
		return ""
	}
}
