// Package exec wraps process spawning for the module. This is the
// ONLY package in the library that imports os/exec; all process
// invocation goes through it.
package exec

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// StartConfig describes one child process.
type StartConfig struct {
	// Program is the executable name or path, resolved via PATH.
	Program string

	// Args are the command arguments, excluding the program name.
	Args []string

	// WorkingDir is the child working directory. Empty inherits the
	// parent's.
	WorkingDir string

	// Env is the complete child environment as KEY=VALUE pairs. A nil
	// slice inherits the parent environment.
	Env []string

	// Input, when non-empty, is written to the child's stdin which is
	// then closed. Without it the child reads from the null device.
	Input []byte

	// OnStdout and OnStderr receive output chunks as they arrive.
	// They are called from the reader goroutines, one per pipe.
	OnStdout func(chunk string)
	OnStderr func(chunk string)

	// Limits are applied to the child after spawn, best effort.
	Limits *Limits
}

// Limits bounds child resource usage. Zero fields are unlimited.
type Limits struct {
	MaxCPUTime   time.Duration
	MaxMemory    int64
	MaxOpenFiles uint64
	MaxProcesses uint64
}

// Result describes a finished process.
type Result struct {
	// ExitCode is the process exit code. -1 when terminated by a
	// signal.
	ExitCode int

	// Signal is the terminating signal when Signaled is true.
	Signal   syscall.Signal
	Signaled bool

	// Duration is the wall clock time from spawn to exit.
	Duration time.Duration
}

// Handle controls a started process. The process runs detached from
// any caller context; it stops only through its own exit or an
// explicit Terminate/Kill.
type Handle struct {
	cmd   *exec.Cmd
	pid   int
	start time.Time

	done     chan struct{}
	mu       sync.Mutex
	result   *Result
	waitErr  error
	limitErr error
}

// Start spawns the child and begins draining its pipes. The returned
// handle's Done channel closes once the process has exited and both
// pipes are drained.
func Start(config StartConfig) (*Handle, error) {
	cmd := exec.Command(config.Program, config.Args...)
	cmd.Dir = config.WorkingDir
	cmd.Env = config.Env
	cmd.SysProcAttr = sysProcAttr()

	var stdin io.WriteCloser
	if len(config.Input) > 0 {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdin = pipe
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &Handle{
		cmd:   cmd,
		pid:   cmd.Process.Pid,
		start: time.Now(),
		done:  make(chan struct{}),
	}
	h.limitErr = applyLimits(h.pid, config.Limits)

	if stdin != nil {
		go func(input []byte) {
			// A child may exit without reading; the write error is
			// irrelevant then.
			_, _ = stdin.Write(input)
			_ = stdin.Close()
		}(config.Input)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go consume(stdout, config.OnStdout, &readers)
	go consume(stderr, config.OnStderr, &readers)

	go h.monitor(&readers)
	return h, nil
}

// consume drains one pipe, forwarding chunks until EOF.
func consume(r io.Reader, emit func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && emit != nil {
			emit(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// monitor waits for pipe drain then process exit, records the result
// and closes Done. Wait must not race the pipe reads.
func (h *Handle) monitor(readers *sync.WaitGroup) {
	readers.Wait()
	err := h.cmd.Wait()

	result := &Result{
		ExitCode: -1,
		Duration: time.Since(h.start),
	}
	if state := h.cmd.ProcessState; state != nil {
		result.ExitCode = state.ExitCode()
		if sig, ok := extractSignal(state.Sys()); ok {
			result.Signal = sig
			result.Signaled = true
		}
	}

	h.mu.Lock()
	h.result = result
	if _, isExit := err.(*exec.ExitError); err != nil && !isExit {
		h.waitErr = err
	}
	h.mu.Unlock()
	close(h.done)
}

// Pid returns the OS process id.
func (h *Handle) Pid() int {
	return h.pid
}

// Done closes when the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the process outcome. Only valid after Done closes;
// the error reports wait-infrastructure failures, not nonzero exits.
func (h *Handle) Result() (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.waitErr
}

// LimitError reports a resource limit that could not be applied at
// spawn.
func (h *Handle) LimitError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.limitErr
}

// Terminate asks the process group to shut down gracefully.
func (h *Handle) Terminate() error {
	return terminateProcess(h.pid)
}

// Kill forcibly ends the process group.
func (h *Handle) Kill() error {
	return killProcess(h.pid)
}
