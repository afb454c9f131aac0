// Package goproc provides a hardened external process execution and
// streaming library.
//
// GoProc centralizes all child process invocation behind a single
// Manager interface, banning direct os/exec usage elsewhere. Commands
// are sanitized before spawn, children run in their own process
// groups, output streams through a bounded per-process buffer, and
// every process is driven to exactly one terminal state.
//
// # Quick Start
//
// The simplest way to use goproc:
//
//	// Create a manager with default settings
//	mgr, err := goproc.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Shutdown(context.Background())
//
//	// Execute a command
//	cmd, _ := goproc.Cmd("claude", "--version").Build()
//	output, err := mgr.Execute(ctx, cmd)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(output)
//
// # With Configuration
//
// For production use, build the manager from a configuration preset:
//
//	cfg := goproc.ProductionConfig()
//	cfg.Manager.MaxConcurrent = 20
//
//	mgr, err := goproc.NewFromConfig(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Execution Model
//
// GoProc enforces a strict process lifecycle:
//
//   - Sanitization: every command is validated before spawn; trusted
//     programs get a permissive profile, everything else gets strict
//   - Process Groups: children start in their own group so kill
//     signals reach the whole tree
//   - Deadlines: timeouts terminate with SIGTERM, wait a grace
//     period, then escalate to SIGKILL
//   - Detached Monitoring: caller context cancellation abandons the
//     wait but never orphans or kills the child
//   - Streaming: output is published as typed events and retained in
//     a bounded drop-oldest buffer per process
//
// # Simulated Execution
//
// NewSimulated returns a Manager that plays scripted responses
// instead of spawning anything. NewFromEnvironment picks between the
// real and simulated manager from the GOPROC_MODE environment
// variable, probing PATH when unset.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use by multiple
// goroutines. The Manager can be shared across goroutines without
// additional synchronization.
//
// # File I/O
//
// Rule pack loading uses github.com/victoralfred/gowritter/safepath
// for secure path handling and I/O operations.
package goproc

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/stdr"

	"github.com/victoralfred/goproc/config"
	internalexec "github.com/victoralfred/goproc/internal/exec"
	"github.com/victoralfred/goproc/manager"
	"github.com/victoralfred/goproc/observability"
	"github.com/victoralfred/goproc/pool"
	"github.com/victoralfred/goproc/resilience"
	"github.com/victoralfred/goproc/sanitize"
	"github.com/victoralfred/goproc/stream"
)

// =============================================================================
// Core Types
// =============================================================================

// Manager is the primary interface for process execution.
// All command execution MUST go through this interface so that
// sanitization, lifecycle tracking and output streaming are applied
// consistently.
//
// The Manager interface provides:
//   - Synchronous execution with Execute
//   - Live output delivery with ExecuteStreaming
//   - Asynchronous execution with ExecuteAsync
//   - Batch execution with ExecuteBatch
//   - Process control with Kill, Process and ActiveProcesses
//   - Graceful shutdown with Shutdown
type Manager = manager.Manager

// Command represents a command to be executed.
// Use Cmd() to create commands.
type Command = manager.Command

// CommandBuilder creates commands with a fluent interface.
type CommandBuilder = manager.CommandBuilder

// Builder creates configured Manager instances.
type Builder = manager.Builder

// ProcessRecord is a point-in-time snapshot of one tracked process.
type ProcessRecord = manager.ProcessRecord

// Status represents a process lifecycle state.
type Status = manager.Status

// Limits defines resource constraints for command execution.
type Limits = manager.Limits

// Priority represents command execution priority.
type Priority = manager.Priority

// Future is the handle to an asynchronous execution.
type Future = manager.Future

// BatchResult pairs one batch command with its outcome.
type BatchResult = manager.BatchResult

// Simulated is the in-memory Manager used for tests and dry runs.
type Simulated = manager.Simulated

// SimulatedResponse scripts the behavior of one simulated program.
type SimulatedResponse = manager.SimulatedResponse

// Priority constants.
const (
	PriorityLow      = manager.PriorityLow
	PriorityNormal   = manager.PriorityNormal
	PriorityHigh     = manager.PriorityHigh
	PriorityCritical = manager.PriorityCritical
)

// =============================================================================
// Streaming Types
// =============================================================================

// Event is one output or lifecycle notification from a process.
type Event = stream.Event

// EventType classifies an output event.
type EventType = stream.EventType

// Handler consumes streamed events.
type Handler = stream.Handler

// Streamer routes process output to subscribers.
type Streamer = stream.Streamer

// Subscription identifies one registered handler.
type Subscription = stream.Subscription

// LineDecoder reassembles chunked output into complete lines.
type LineDecoder = stream.LineDecoder

// ToolMessage is a structured message decoded from a JSON output line.
type ToolMessage = stream.ToolMessage

// Event type constants.
const (
	EventStdout = stream.EventStdout
	EventStderr = stream.EventStderr
	EventExit   = stream.EventExit
	EventError  = stream.EventError
)

// =============================================================================
// Sanitizer Types
// =============================================================================

// Sanitizer validates commands before they spawn.
type Sanitizer = sanitize.Sanitizer

// Policy is one sanitization profile.
type Policy = sanitize.Policy

// Verdict is the outcome of validating one command.
type Verdict = sanitize.Verdict

// Violation represents a single sanitization finding.
type Violation = sanitize.Violation

// Severity grades a violation.
type Severity = sanitize.Severity

// RulePack is a YAML-defined set of sanitization rules.
type RulePack = sanitize.RulePack

// RuleLoader loads and watches rule packs from YAML files.
type RuleLoader = sanitize.Loader

// Severity constants.
const (
	SeverityWarning  = sanitize.SeverityWarning
	SeverityError    = sanitize.SeverityError
	SeverityCritical = sanitize.SeverityCritical
)

// =============================================================================
// Configuration
// =============================================================================

// Config is the top-level library configuration.
type Config = config.Config

// DefaultConfig returns the default configuration.
func DefaultConfig() Config { return config.DefaultConfig() }

// DevelopmentConfig returns configuration suitable for development.
func DevelopmentConfig() Config { return config.DevelopmentConfig() }

// ProductionConfig returns configuration suitable for production.
func ProductionConfig() Config { return config.ProductionConfig() }

// RestrictedConfig returns highly restrictive configuration.
func RestrictedConfig() Config { return config.RestrictedConfig() }

// =============================================================================
// Error Variables
// =============================================================================

// Common errors returned by the library.
var (
	// ErrSanitizationFailed indicates the sanitizer rejected the command.
	ErrSanitizationFailed = manager.ErrSanitizationFailed

	// ErrDuplicateID indicates the process id is already in use.
	ErrDuplicateID = manager.ErrDuplicateID

	// ErrManagerShutdown indicates the manager has been shut down.
	ErrManagerShutdown = manager.ErrManagerShutdown

	// ErrTimeout indicates execution exceeded the timeout.
	ErrTimeout = manager.ErrTimeout

	// ErrProcessExit indicates the process exited with a non-zero code.
	ErrProcessExit = manager.ErrProcessExit

	// ErrKilled indicates the process was killed.
	ErrKilled = manager.ErrKilled

	// ErrSpawnFailed indicates the process never started.
	ErrSpawnFailed = manager.ErrSpawnFailed

	// ErrRateLimited indicates the rate limit was exceeded.
	ErrRateLimited = manager.ErrRateLimited

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = manager.ErrCircuitOpen

	// ErrInvalidCommand indicates an invalid command configuration.
	ErrInvalidCommand = manager.ErrInvalidCommand
)

// =============================================================================
// Status Constants
// =============================================================================

// Process lifecycle states.
const (
	StatusSubmitted  = manager.StatusSubmitted
	StatusSanitizing = manager.StatusSanitizing
	StatusRejected   = manager.StatusRejected
	StatusSpawning   = manager.StatusSpawning
	StatusRunning    = manager.StatusRunning
	StatusCompleted  = manager.StatusCompleted
	StatusFailed     = manager.StatusFailed
	StatusKilled     = manager.StatusKilled
)

// =============================================================================
// Factory Functions
// =============================================================================

// New creates a new Manager with default settings.
// This is the simplest way to get started with goproc.
//
// For production use, consider NewFromConfig or NewBuilder to
// configure resilience, observability and concurrency limits.
//
// Example:
//
//	mgr, err := goproc.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Shutdown(context.Background())
func New() (Manager, error) {
	return manager.NewBuilder().Build()
}

// NewBuilder creates a new manager builder for configuring the Manager.
//
// Example:
//
//	mgr, err := goproc.NewBuilder().
//	    WithDefaultTimeout(30 * time.Second).
//	    WithMaxConcurrent(20).
//	    Build()
func NewBuilder() *Builder {
	return manager.NewBuilder()
}

// NewSimulated creates an in-memory Manager that plays scripted
// responses instead of spawning processes. Unscripted programs echo
// their arguments.
//
// Example:
//
//	mgr := goproc.NewSimulated(
//	    manager.WithScript("claude", manager.SimulatedResponse{
//	        Chunks: []string{"done\n"},
//	    }),
//	)
func NewSimulated(opts ...manager.SimulatedOption) *Simulated {
	return manager.NewSimulated(opts...)
}

// NewFromConfig creates a Manager wired per the configuration: worker
// pool, rate limiter and circuit breaker always; metrics, tracing and
// audit logging when their flags enable them.
func NewFromConfig(cfg Config) (Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	workers, err := pool.New(cfg.Pool)
	if err != nil {
		return nil, err
	}

	b := manager.NewBuilder().
		WithDefaultTimeout(cfg.Manager.DefaultTimeout).
		WithKillGracePeriod(cfg.Manager.KillGracePeriod).
		WithMaxConcurrent(cfg.Manager.MaxConcurrent).
		WithStreamBufferSize(cfg.Manager.StreamBufferSize).
		WithPool(workers).
		WithRateLimiter(resilience.NewRateLimiter(cfg.RateLimiter)).
		WithCircuitBreaker(resilience.NewCircuitBreaker(cfg.CircuitBreaker))

	if cfg.Manager.UseMinimalEnvironment {
		b = b.WithMinimalEnvironment()
	}

	if cfg.Manager.EnableMetrics {
		b = b.WithMetrics(observability.NewMetrics())
	}

	if cfg.Manager.EnableTracing {
		telemetry, err := observability.NewTelemetry(cfg.Telemetry)
		if err != nil {
			return nil, err
		}
		b = b.WithTelemetry(telemetry)
	}

	if cfg.Manager.EnableAudit && cfg.Audit.Enabled {
		audit, err := observability.NewFileAuditLogger(cfg.Audit)
		if err != nil {
			return nil, err
		}
		b = b.WithAuditLogger(audit)
	}

	return b.Build()
}

// =============================================================================
// Environment Selection
// =============================================================================

// ModeEnv is the environment variable that selects the manager
// implementation. Recognized values are "process" and "simulate".
const ModeEnv = "GOPROC_MODE"

// Manager kinds reported by NewFromEnvironment.
const (
	// KindProcess identifies a manager that spawns real processes.
	KindProcess = "process"
	// KindSimulated identifies the in-memory manager.
	KindSimulated = "simulated"
)

// NewFromEnvironment creates a Manager based on the environment. The
// GOPROC_MODE variable forces the choice; when it is unset, a real
// manager is used if any trusted program resolves on PATH and the
// simulated manager otherwise. The returned string is the kind of
// manager selected, KindProcess or KindSimulated.
//
// Example:
//
//	mgr, kind, err := goproc.NewFromEnvironment(goproc.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Printf("using %s manager", kind)
func NewFromEnvironment(cfg Config) (Manager, string, error) {
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags))

	switch mode := strings.ToLower(os.Getenv(ModeEnv)); mode {
	case "simulate", "simulated":
		return manager.NewSimulated(manager.WithSimulatedLogger(logger)), KindSimulated, nil
	case KindProcess:
		mgr, err := NewFromConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		return mgr, KindProcess, nil
	case "":
		// Fall through to PATH probing.
	default:
		return nil, "", fmt.Errorf("unrecognized %s value %q", ModeEnv, mode)
	}

	for _, program := range sanitize.DefaultTrustedPrograms {
		if _, err := internalexec.LookPath(program); err == nil {
			mgr, err := NewFromConfig(cfg)
			if err != nil {
				return nil, "", err
			}
			return mgr, KindProcess, nil
		}
	}

	logger.Info("no trusted program found on PATH, using simulated manager",
		"programs", sanitize.DefaultTrustedPrograms)
	return manager.NewSimulated(manager.WithSimulatedLogger(logger)), KindSimulated, nil
}

// =============================================================================
// Command Construction
// =============================================================================

// Cmd creates a new CommandBuilder with the specified program and
// arguments. Call Build() on the returned builder to get the final
// Command.
//
// Example:
//
//	cmd, err := goproc.Cmd("git", "status").Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	output, err := mgr.Execute(ctx, cmd)
func Cmd(program string, args ...string) *CommandBuilder {
	return manager.NewCommand(program, args...)
}

// MustCmd creates a command and panics on error.
// Use only when the program name is known to be valid.
//
// Example:
//
//	cmd := goproc.MustCmd("ls", "-la")
func MustCmd(program string, args ...string) *Command {
	return manager.NewCommand(program, args...).MustBuild()
}

// =============================================================================
// Rule Pack Loading
// =============================================================================

// LoadRules loads a sanitization rule pack from a YAML file.
// The basePath is the directory containing the pack file.
// The packFile is the name of the pack file relative to basePath.
//
// Example rules.yaml:
//
//	version: "1.0"
//	trusted_programs:
//	  - claude
//	profiles:
//	  - name: strict
//	    max_argument_length: 4096
//
// Example:
//
//	loader, err := goproc.LoadRules("/etc/goproc", "rules.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pack, err := loader.Load(ctx)
func LoadRules(basePath, packFile string, opts ...sanitize.LoaderOption) (*RuleLoader, error) {
	return sanitize.NewLoader(basePath, packFile, opts...)
}

// LoadRulesFromPath loads a rule pack from a full file path.
// This is a convenience function that splits the path into directory
// and filename.
//
// Example:
//
//	loader, err := goproc.LoadRulesFromPath("/etc/goproc/rules.yaml")
func LoadRulesFromPath(path string, opts ...sanitize.LoaderOption) (*RuleLoader, error) {
	dir := filepath.Dir(path)
	file := filepath.Base(path)
	return sanitize.NewLoader(dir, file, opts...)
}

// ExampleRules returns an example rule pack in YAML form.
// Use this as a starting point for creating your own packs.
func ExampleRules() string {
	return sanitize.ExampleRulePack()
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks a program and its arguments against the default
// sanitizer without executing anything.
//
// Example:
//
//	verdict := goproc.Validate("rm", "-rf", "/etc")
//	if !verdict.Valid {
//	    log.Println(verdict.Messages())
//	}
func Validate(program string, args ...string) *Verdict {
	return sanitize.New().Validate(program, args, "", nil)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Execute is a convenience function for one-off command execution.
// For repeated executions, create a Manager instance instead.
//
// Example:
//
//	output, err := goproc.Execute(ctx, "ls", "-la")
func Execute(ctx context.Context, program string, args ...string) (string, error) {
	mgr, err := New()
	if err != nil {
		return "", err
	}
	defer func() {
		// Ignore shutdown errors in defer - cleanup failure doesn't affect result
		//nolint:errcheck // Shutdown errors are non-critical in cleanup context
		_ = mgr.Shutdown(context.Background())
	}()

	cmd, err := Cmd(program, args...).Build()
	if err != nil {
		return "", err
	}

	return mgr.Execute(ctx, cmd)
}

// ExecuteWithTimeout is a convenience function with explicit timeout.
//
// Example:
//
//	output, err := goproc.ExecuteWithTimeout(ctx, 30*time.Second, "ls", "-la")
func ExecuteWithTimeout(ctx context.Context, timeout time.Duration, program string, args ...string) (string, error) {
	mgr, err := NewBuilder().WithDefaultTimeout(timeout).Build()
	if err != nil {
		return "", err
	}
	defer func() {
		// Ignore shutdown errors in defer - cleanup failure doesn't affect result
		//nolint:errcheck // Shutdown errors are non-critical in cleanup context
		_ = mgr.Shutdown(context.Background())
	}()

	cmd, err := Cmd(program, args...).Build()
	if err != nil {
		return "", err
	}

	return mgr.Execute(ctx, cmd)
}

// ExecuteStreaming is a convenience function for one-off streaming
// execution. The handler receives output events in arrival order,
// exit last.
//
// Example:
//
//	output, err := goproc.ExecuteStreaming(ctx, func(e goproc.Event) {
//	    fmt.Print(e.Payload)
//	}, "tail", "-n", "20", "/var/log/syslog")
func ExecuteStreaming(ctx context.Context, handler Handler, program string, args ...string) (string, error) {
	mgr, err := New()
	if err != nil {
		return "", err
	}
	defer func() {
		// Ignore shutdown errors in defer - cleanup failure doesn't affect result
		//nolint:errcheck // Shutdown errors are non-critical in cleanup context
		_ = mgr.Shutdown(context.Background())
	}()

	cmd, err := Cmd(program, args...).Build()
	if err != nil {
		return "", err
	}

	return mgr.ExecuteStreaming(ctx, cmd, handler)
}

// =============================================================================
// Version Information
// =============================================================================

// Version returns the library version.
func Version() string {
	return "1.0.0"
}

// =============================================================================
// Package Accessors
// =============================================================================

// These aliases cover the common cases. For advanced use, import the
// subpackages directly:
//
//   - github.com/victoralfred/goproc/manager       - Process lifecycle and execution
//   - github.com/victoralfred/goproc/sanitize      - Command sanitization and rule packs
//   - github.com/victoralfred/goproc/stream        - Output streaming and decoding
//   - github.com/victoralfred/goproc/pool          - Worker pool
//   - github.com/victoralfred/goproc/resilience    - Rate limiting & circuit breaker
//   - github.com/victoralfred/goproc/observability - Metrics, tracing & audit logging
//   - github.com/victoralfred/goproc/hooks         - Extension points
//   - github.com/victoralfred/goproc/config        - Configuration presets
