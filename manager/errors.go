package manager

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/victoralfred/goproc/sanitize"
)

// Sentinel errors for common conditions.
var (
	// ErrSanitizationFailed indicates the sanitizer rejected the command.
	ErrSanitizationFailed = errors.New("command rejected by sanitizer")

	// ErrDuplicateID indicates the process id is already in use.
	ErrDuplicateID = errors.New("process id already in use")

	// ErrManagerShutdown indicates the manager is shut down.
	ErrManagerShutdown = errors.New("manager shutdown")

	// ErrTimeout indicates the process exceeded its deadline.
	ErrTimeout = errors.New("process timed out")

	// ErrProcessExit indicates the process exited abnormally.
	ErrProcessExit = errors.New("process exited abnormally")

	// ErrKilled indicates the process was terminated on request.
	ErrKilled = errors.New("process killed")

	// ErrSpawnFailed indicates the process never started.
	ErrSpawnFailed = errors.New("process failed to spawn")

	// ErrRateLimited indicates rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCircuitOpen indicates circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrInvalidCommand indicates invalid command configuration.
	ErrInvalidCommand = errors.New("invalid command")
)

// ErrorCode provides structured error classification.
type ErrorCode string

const (
	// ErrCodeSanitization indicates a sanitizer rejection.
	ErrCodeSanitization ErrorCode = "SANITIZATION_FAILED"

	// ErrCodeDuplicateID indicates a process id collision.
	ErrCodeDuplicateID ErrorCode = "DUPLICATE_ID"

	// ErrCodeShutdown indicates the manager is shut down.
	ErrCodeShutdown ErrorCode = "SHUTDOWN"

	// ErrCodeTimeout indicates timeout.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeProcessExit indicates abnormal process exit.
	ErrCodeProcessExit ErrorCode = "PROCESS_EXIT"

	// ErrCodeKilled indicates an operator kill.
	ErrCodeKilled ErrorCode = "KILLED"

	// ErrCodeSpawnFailed indicates spawn failure.
	ErrCodeSpawnFailed ErrorCode = "SPAWN_FAILED"

	// ErrCodeRateLimited indicates rate limiting.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// ErrCodeCircuitOpen indicates circuit breaker open.
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// ErrCodeInvalidCommand indicates command validation failure.
	ErrCodeInvalidCommand ErrorCode = "INVALID_COMMAND"

	// ErrCodeInternalError indicates internal error.
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// CommandError provides detailed error information.
type CommandError struct {
	// Op is the operation that failed.
	Op string

	// Program is the executable the command named.
	Program string

	// ProcessID identifies the affected process record, when known.
	ProcessID string

	// Err is the underlying error.
	Err error

	// Code is the structured error code.
	Code ErrorCode

	// Details provides human-readable details.
	Details string

	// Suggestion provides a suggested fix.
	Suggestion string

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error returns the error message.
func (e *CommandError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Program, e.Details)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Program, e.Err)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *CommandError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// SanitizationError carries the full verdict of a rejected command.
type SanitizationError struct {
	CommandError

	// Policy is the profile that evaluated the command.
	Policy string

	// Violations are the blocking findings.
	Violations []sanitize.Violation

	// Warnings are the non-blocking findings.
	Warnings []sanitize.Violation
}

// Unwrap exposes the embedded CommandError to errors.As.
func (e *SanitizationError) Unwrap() error {
	return &e.CommandError
}

// TimeoutError reports a command that outlived its deadline.
type TimeoutError struct {
	CommandError

	// Timeout is the deadline that was exceeded.
	Timeout time.Duration
}

// Unwrap exposes the embedded CommandError to errors.As.
func (e *TimeoutError) Unwrap() error {
	return &e.CommandError
}

// ProcessExitError reports a process that ended without exit code 0.
type ProcessExitError struct {
	CommandError

	// ExitCode is the exit code, -1 when ended by a signal.
	ExitCode int

	// Signal names the terminating signal, when there was one.
	Signal string

	// Stderr is the captured standard error output.
	Stderr string
}

// Unwrap exposes the embedded CommandError to errors.As.
func (e *ProcessExitError) Unwrap() error {
	return &e.CommandError
}

// Error constructors for consistent error creation.

// NewSanitizationError creates an error from a failed verdict.
func NewSanitizationError(program, processID string, verdict *sanitize.Verdict) error {
	return &SanitizationError{
		CommandError: CommandError{
			Op:        "sanitize",
			Program:   program,
			ProcessID: processID,
			Err:       ErrSanitizationFailed,
			Code:      ErrCodeSanitization,
			Details:   strings.Join(verdict.Messages(), "; "),
			Retryable: false,
		},
		Policy:     verdict.Policy,
		Violations: verdict.Violations,
		Warnings:   verdict.Warnings,
	}
}

// NewDuplicateIDError creates a process id collision error.
func NewDuplicateIDError(processID string) error {
	return &CommandError{
		Op:         "register",
		Program:    "",
		ProcessID:  processID,
		Err:        ErrDuplicateID,
		Code:       ErrCodeDuplicateID,
		Details:    fmt.Sprintf("process %q is already tracked and not terminal", processID),
		Suggestion: "use a fresh command id or wait for the process to finish",
		Retryable:  false,
	}
}

// NewShutdownError creates a manager shutdown error.
func NewShutdownError(op string) error {
	return &CommandError{
		Op:        op,
		Program:   "",
		Err:       ErrManagerShutdown,
		Code:      ErrCodeShutdown,
		Details:   "manager is shut down and accepts no new commands",
		Retryable: false,
	}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(program, processID string, timeout time.Duration) error {
	return &TimeoutError{
		CommandError: CommandError{
			Op:        "execute",
			Program:   program,
			ProcessID: processID,
			Err:       ErrTimeout,
			Code:      ErrCodeTimeout,
			Details:   fmt.Sprintf("process exceeded timeout of %s", timeout),
			Retryable: true,
		},
		Timeout: timeout,
	}
}

// NewProcessExitError creates an abnormal exit error.
func NewProcessExitError(program, processID string, exitCode int, signal, stderr string) error {
	details := fmt.Sprintf("exit code %d", exitCode)
	if signal != "" {
		details = fmt.Sprintf("terminated by %s", signal)
	}
	return &ProcessExitError{
		CommandError: CommandError{
			Op:        "execute",
			Program:   program,
			ProcessID: processID,
			Err:       ErrProcessExit,
			Code:      ErrCodeProcessExit,
			Details:   details,
			Retryable: false,
		},
		ExitCode: exitCode,
		Signal:   signal,
		Stderr:   stderr,
	}
}

// NewKilledError creates the error resolved by a killed command.
func NewKilledError(program, processID, signal string) error {
	return &ProcessExitError{
		CommandError: CommandError{
			Op:        "kill",
			Program:   program,
			ProcessID: processID,
			Err:       ErrKilled,
			Code:      ErrCodeKilled,
			Details:   "process killed on request",
			Retryable: false,
		},
		ExitCode: -1,
		Signal:   signal,
	}
}

// NewSpawnError creates a spawn failure error.
func NewSpawnError(program, processID string, cause error) error {
	return &CommandError{
		Op:        "spawn",
		Program:   program,
		ProcessID: processID,
		Err:       fmt.Errorf("%w: %v", ErrSpawnFailed, cause),
		Code:      ErrCodeSpawnFailed,
		Retryable: false,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(program, processID string) error {
	return &CommandError{
		Op:         "rate_limit",
		Program:    program,
		ProcessID:  processID,
		Err:        ErrRateLimited,
		Code:       ErrCodeRateLimited,
		Details:    "rate limit exceeded, retry later",
		Suggestion: "wait before retrying",
		Retryable:  true,
	}
}

// NewCircuitOpenError creates a circuit breaker open error.
func NewCircuitOpenError(program, processID string) error {
	return &CommandError{
		Op:         "circuit_breaker",
		Program:    program,
		ProcessID:  processID,
		Err:        ErrCircuitOpen,
		Code:       ErrCodeCircuitOpen,
		Details:    "circuit breaker is open due to recent failures",
		Suggestion: "wait for circuit to close",
		Retryable:  true,
	}
}

// IsRetryable returns true if the error is retryable.
func IsRetryable(err error) bool {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code
	}
	return ErrCodeInternalError
}
