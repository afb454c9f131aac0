package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/victoralfred/goproc/sanitize"
	"github.com/victoralfred/goproc/stream"
)

// SimulatedResponse scripts what the simulated manager fabricates for
// one program.
type SimulatedResponse struct {
	// Chunks are the stdout payloads, published in order.
	Chunks []string
	// Stderr, when set, is published as one stderr chunk after stdout.
	Stderr string
	// ExitCode is the fabricated exit code.
	ExitCode int
	// Delay is how long the process appears to run before exiting.
	Delay time.Duration
	// SpawnErr, when set, fails the spawn itself with a SpawnError.
	SpawnErr string
}

// SimulatedOption configures a Simulated manager.
type SimulatedOption func(*Simulated)

// WithSimulatedLogger sets the logger.
func WithSimulatedLogger(logger logr.Logger) SimulatedOption {
	return func(s *Simulated) { s.logger = logger }
}

// WithSimulatedSanitizer sets the sanitizer. Rejection behavior is
// real either way; this only swaps the policy set.
func WithSimulatedSanitizer(sz *sanitize.Sanitizer) SimulatedOption {
	return func(s *Simulated) { s.sanitizer = sz }
}

// WithSimulatedTimeout sets the default execution timeout.
func WithSimulatedTimeout(timeout time.Duration) SimulatedOption {
	return func(s *Simulated) { s.defaultTimeout = timeout }
}

// WithScript sets the response for one program.
func WithScript(program string, response SimulatedResponse) SimulatedOption {
	return func(s *Simulated) { s.scripts[program] = response }
}

// WithDefaultResponse replaces the echo-like response used for
// unscripted programs.
func WithDefaultResponse(response SimulatedResponse) SimulatedOption {
	return func(s *Simulated) { s.fallback = &response }
}

// Simulated is a Manager that fabricates process behavior from a
// script table instead of spawning children. Sanitization, records,
// streaming, kill and shutdown semantics are the real ones, so code
// under test observes what it would against live processes.
type Simulated struct {
	logger         logr.Logger
	sanitizer      *sanitize.Sanitizer
	streamer       *stream.Streamer
	defaultTimeout time.Duration

	scriptMu sync.RWMutex
	scripts  map[string]SimulatedResponse
	fallback *SimulatedResponse

	spawns  int64
	nextPID int64

	mu   sync.RWMutex // protects shutdown check and wg.Add
	wg   sync.WaitGroup
	down int32

	records *recordTable
}

var _ Manager = (*Simulated)(nil)

// NewSimulated creates a simulated manager. With no options every
// command echoes its arguments and exits 0.
func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		logger:         logr.Discard(),
		defaultTimeout: DefaultTimeout,
		scripts:        make(map[string]SimulatedResponse),
		nextPID:        10000,
		records:        newRecordTable(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sanitizer == nil {
		s.sanitizer = sanitize.New()
	}
	if s.streamer == nil {
		s.streamer = stream.NewStreamer(&stream.Config{Logger: s.logger})
	}
	return s
}

// Script sets the response for a program on a live manager.
func (s *Simulated) Script(program string, response SimulatedResponse) {
	s.scriptMu.Lock()
	s.scripts[program] = response
	s.scriptMu.Unlock()
}

// SpawnCount reports how many simulated processes were started.
// Rejected and spawn-failed commands never count.
func (s *Simulated) SpawnCount() int64 {
	return atomic.LoadInt64(&s.spawns)
}

// Execute implements Manager.Execute.
func (s *Simulated) Execute(ctx context.Context, cmd *Command) (string, error) {
	// Use mutex to ensure shutdown check and wg.Add are atomic
	// This prevents a race where Shutdown starts wg.Wait() between our check and Add
	s.mu.RLock()
	if atomic.LoadInt32(&s.down) == 1 {
		s.mu.RUnlock()
		return "", NewShutdownError("execute")
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	defer s.wg.Done()

	if cmd == nil || cmd.Program == "" {
		return "", fmt.Errorf("%w: program is required", ErrInvalidCommand)
	}
	cmd = cmd.ensureID()

	tp, err := s.records.register(cmd)
	if err != nil {
		return "", err
	}

	tp.advance(StatusSanitizing)
	verdict := s.sanitizer.Validate(cmd.Program, cmd.Args, cmd.WorkingDir, cmd.Policy)
	if !verdict.Valid {
		rejErr := NewSanitizationError(cmd.Program, cmd.ID, verdict)
		if !tp.finalize(StatusRejected, nil, "", rejErr.Error()) {
			return "", NewSpawnError(cmd.Program, cmd.ID, errKilledBeforeSpawn)
		}
		s.logger.Info("command rejected",
			"id", cmd.ID, "program", cmd.Program, "policy", verdict.Policy,
			"violations", verdict.Messages())
		return "", rejErr
	}
	if len(verdict.Warnings) > 0 {
		s.logger.Info("command passed with warnings",
			"id", cmd.ID, "program", cmd.Program, "warnings", verdict.WarningMessages())
	}

	if tp.killed() {
		return "", NewSpawnError(cmd.Program, cmd.ID, errKilledBeforeSpawn)
	}
	tp.advance(StatusSpawning)

	response := s.responseFor(cmd)
	if response.SpawnErr != "" {
		spErr := NewSpawnError(cmd.Program, cmd.ID, errors.New(response.SpawnErr))
		if !tp.finalize(StatusFailed, nil, "", spErr.Error()) {
			return "", NewSpawnError(cmd.Program, cmd.ID, errKilledBeforeSpawn)
		}
		return "", spErr
	}

	atomic.AddInt64(&s.spawns, 1)
	pid := int(atomic.AddInt64(&s.nextPID, 1))
	// A kill landing mid-spawn leaves the record terminal; run still
	// executes and resolves the kill outcome.
	tp.attachPID(pid)

	s.logger.V(1).Info("process spawned", "id", cmd.ID, "program", cmd.Program, "pid", pid)

	outcome := make(chan outcomeMsg, 1)
	s.wg.Add(1)
	go s.run(cmd, tp, response, outcome)

	select {
	case out := <-outcome:
		return out.output, out.err
	case <-ctx.Done():
		// Abandonment, same as the live manager: run still resolves
		// the record.
		return "", ctx.Err()
	}
}

// responseFor resolves the script played for a command. Unscripted
// programs echo their arguments, so a bare NewSimulated() behaves
// like a predictable shell.
func (s *Simulated) responseFor(cmd *Command) SimulatedResponse {
	s.scriptMu.RLock()
	defer s.scriptMu.RUnlock()
	if response, ok := s.scripts[cmd.Program]; ok {
		return response
	}
	if s.fallback != nil {
		return *s.fallback
	}
	return SimulatedResponse{Chunks: []string{strings.Join(cmd.Args, " ") + "\n"}}
}

// run plays out one scripted process and owns its terminal transition.
func (s *Simulated) run(cmd *Command, tp *trackedProcess, response SimulatedResponse, outcome chan<- outcomeMsg) {
	defer s.wg.Done()

	var sb strings.Builder
	for _, chunk := range response.Chunks {
		sb.WriteString(chunk)
		s.streamer.Publish(stream.Event{ProcessID: cmd.ID, Type: stream.EventStdout, Payload: chunk})
	}
	if response.Stderr != "" {
		s.streamer.Publish(stream.Event{ProcessID: cmd.ID, Type: stream.EventStderr, Payload: response.Stderr})
	}

	timeout := cmd.effectiveTimeout(s.defaultTimeout)
	timedOut := false
	if response.Delay > 0 {
		var deadline <-chan time.Time
		if timeout > 0 && timeout < response.Delay {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-time.After(response.Delay):
		case <-deadline:
			timedOut = true
		case <-tp.killedCh:
		}
	}

	var status Status
	var resolveErr error
	var exitCode *int
	signal := ""
	switch {
	case timedOut:
		status = StatusFailed
		resolveErr = NewTimeoutError(cmd.Program, cmd.ID, timeout)
		code := -1
		exitCode = &code
		signal = "terminated"
	case response.ExitCode == 0:
		status = StatusCompleted
		code := 0
		exitCode = &code
	default:
		status = StatusFailed
		code := response.ExitCode
		exitCode = &code
		resolveErr = NewProcessExitError(cmd.Program, cmd.ID, code, "", response.Stderr)
	}

	errText := ""
	if resolveErr != nil {
		errText = resolveErr.Error()
	}
	if !tp.finalize(status, exitCode, signal, errText) {
		code := -1
		killedExit := &code
		tp.noteExit(killedExit, "terminated")
		resolveErr = NewKilledError(cmd.Program, cmd.ID, "terminated")
	}

	if timedOut {
		s.streamer.PublishError(cmd.ID, errText)
	}
	code := -1
	if exitCode != nil {
		code = *exitCode
	}
	s.streamer.PublishExit(cmd.ID, code)

	rec := tp.snapshot()
	s.logger.Info("process finished",
		"id", rec.ID, "program", rec.Program, "status", rec.Status.String(),
		"exit_code", code, "duration", rec.Duration())

	outcome <- outcomeMsg{output: sb.String(), err: resolveErr}
}

// ExecuteStreaming implements Manager.ExecuteStreaming.
func (s *Simulated) ExecuteStreaming(ctx context.Context, cmd *Command, handler stream.Handler) (string, error) {
	if cmd == nil || cmd.Program == "" {
		return "", fmt.Errorf("%w: program is required", ErrInvalidCommand)
	}
	cmd = cmd.ensureID()

	if s.streamer.IsOpen(cmd.ID) {
		return "", NewDuplicateIDError(cmd.ID)
	}

	if handler != nil {
		sub := s.streamer.SubscribeProcess(cmd.ID, handler)
		defer s.streamer.Unsubscribe(sub)
	}
	s.streamer.Open(cmd.ID)
	defer s.streamer.Close(cmd.ID)

	output, err := s.Execute(ctx, cmd)
	if buffered := s.streamer.FullOutput(cmd.ID); buffered != "" {
		output = buffered
	}
	return output, err
}

// ExecuteAsync implements Manager.ExecuteAsync. The simulated manager
// has no pool; each command gets a goroutine.
func (s *Simulated) ExecuteAsync(ctx context.Context, cmd *Command) *Future {
	id := ""
	if cmd != nil {
		cmd = cmd.ensureID()
		id = cmd.ID
	}

	asyncCtx, cancel := context.WithCancel(ctx)
	future := newFuture(id, cancel)
	go func() {
		output, err := s.Execute(asyncCtx, cmd)
		future.complete(output, err)
	}()
	return future
}

// ExecuteBatch implements Manager.ExecuteBatch.
func (s *Simulated) ExecuteBatch(ctx context.Context, cmds []*Command) ([]BatchResult, error) {
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
			results[idx].Output, results[idx].Err = s.Execute(ctx, c)
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

// Kill implements Manager.Kill.
func (s *Simulated) Kill(processID string) bool {
	tp := s.records.lookup(processID)
	if tp == nil {
		return false
	}
	if _, ok := tp.markKilled("process killed on request"); !ok {
		return false
	}

	rec := tp.snapshot()
	s.logger.Info("killing process", "id", processID, "program", rec.Program, "pid", rec.PID)

	s.streamer.Close(processID)
	return true
}

// Process implements Manager.Process.
func (s *Simulated) Process(processID string) (ProcessRecord, bool) {
	return s.records.get(processID)
}

// ActiveProcesses implements Manager.ActiveProcesses.
func (s *Simulated) ActiveProcesses() []ProcessRecord {
	return s.records.running()
}

// Ready implements Manager.Ready.
func (s *Simulated) Ready() bool {
	return atomic.LoadInt32(&s.down) == 0
}

// Sanitizer implements Manager.Sanitizer.
func (s *Simulated) Sanitizer() *sanitize.Sanitizer {
	return s.sanitizer
}

// Streamer implements Manager.Streamer.
func (s *Simulated) Streamer() *stream.Streamer {
	return s.streamer
}

// Shutdown implements Manager.Shutdown.
func (s *Simulated) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	first := atomic.CompareAndSwapInt32(&s.down, 0, 1)
	s.mu.Unlock()
	if !first {
		return nil
	}

	s.logger.Info("simulated manager shutting down")

	for _, tp := range s.records.live() {
		tp.markKilled("manager shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
	case <-ctx.Done():
		shutdownErr = ctx.Err()
	}

	s.streamer.Shutdown()
	s.records.clear()

	s.logger.Info("simulated manager shutdown complete")
	return shutdownErr
}
