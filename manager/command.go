package manager

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	internalexec "github.com/victoralfred/goproc/internal/exec"
	"github.com/victoralfred/goproc/sanitize"
)

// Command describes one external process invocation.
// Commands are immutable once built; the manager never mutates a
// submitted command.
type Command struct {
	// ID identifies the command and its process record. NewCommand
	// fills it with a UUID; the manager assigns one when left empty.
	ID string

	// Program is the executable name or path. Bare names resolve
	// through PATH at spawn time.
	Program string

	// Args are the command arguments (excluding the program name).
	Args []string

	// Env is added on top of the manager's base environment.
	Env map[string]string

	// WorkingDir is the working directory for the command.
	WorkingDir string

	// Timeout bounds the run. Zero uses the manager default; a
	// negative value disables the deadline.
	Timeout time.Duration

	// Input, when non-empty, is written to the child's stdin, which
	// is then closed.
	Input string

	// Limits configures resource constraints.
	Limits *Limits

	// Policy replaces the sanitizer's selected profile for this
	// command only.
	Policy *sanitize.Policy

	// Metadata contains arbitrary key-value pairs for tracing/logging.
	Metadata map[string]string

	// Priority affects scheduling in the worker pool.
	Priority Priority
}

// Limits defines resource constraints for the child process.
type Limits struct {
	// MaxCPUTime is the maximum CPU time allowed.
	MaxCPUTime time.Duration

	// MaxMemory is the maximum address space in bytes.
	MaxMemory int64

	// MaxOpenFiles is the maximum open file descriptors.
	MaxOpenFiles uint64

	// MaxProcesses is the maximum number of processes/threads.
	MaxProcesses uint64
}

func (l *Limits) toExec() *internalexec.Limits {
	if l == nil {
		return nil
	}
	return &internalexec.Limits{
		MaxCPUTime:   l.MaxCPUTime,
		MaxMemory:    l.MaxMemory,
		MaxOpenFiles: l.MaxOpenFiles,
		MaxProcesses: l.MaxProcesses,
	}
}

// Priority represents command execution priority.
type Priority int

const (
	// PriorityLow is for background tasks.
	PriorityLow Priority = iota
	// PriorityNormal is the default priority.
	PriorityNormal
	// PriorityHigh is for time-sensitive tasks.
	PriorityHigh
	// PriorityCritical is for urgent tasks.
	PriorityCritical
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// CommandBuilder provides a fluent API for constructing commands.
type CommandBuilder struct {
	cmd *Command
	err error
}

// NewCommand creates a new CommandBuilder with the specified program
// and arguments.
func NewCommand(program string, args ...string) *CommandBuilder {
	return &CommandBuilder{
		cmd: &Command{
			ID:       uuid.New().String(),
			Program:  program,
			Args:     args,
			Env:      make(map[string]string),
			Metadata: make(map[string]string),
			Priority: PriorityNormal,
		},
	}
}

// WithID replaces the generated command id.
func (b *CommandBuilder) WithID(id string) *CommandBuilder {
	if b.err != nil {
		return b
	}
	if id == "" {
		b.err = fmt.Errorf("id must not be empty")
		return b
	}
	b.cmd.ID = id
	return b
}

// WithWorkingDir sets the working directory.
func (b *CommandBuilder) WithWorkingDir(dir string) *CommandBuilder {
	if b.err != nil {
		return b
	}
	b.cmd.WorkingDir = dir
	return b
}

// WithTimeout sets the execution timeout.
func (b *CommandBuilder) WithTimeout(timeout time.Duration) *CommandBuilder {
	if b.err != nil {
		return b
	}
	if timeout <= 0 {
		b.err = fmt.Errorf("timeout must be positive")
		return b
	}
	b.cmd.Timeout = timeout
	return b
}

// WithoutTimeout disables the manager's default deadline for this
// command.
func (b *CommandBuilder) WithoutTimeout() *CommandBuilder {
	if b.err != nil {
		return b
	}
	b.cmd.Timeout = -1
	return b
}

// WithInput sets the data written to the child's stdin.
func (b *CommandBuilder) WithInput(input string) *CommandBuilder {
	if b.err != nil {
		return b
	}
	b.cmd.Input = input
	return b
}

// WithEnv adds an environment variable.
func (b *CommandBuilder) WithEnv(key, value string) *CommandBuilder {
	if b.err != nil {
		return b
	}
	b.cmd.Env[key] = value
	return b
}

// WithEnvMap adds multiple environment variables.
func (b *CommandBuilder) WithEnvMap(env map[string]string) *CommandBuilder {
	if b.err != nil {
		return b
	}
	for k, v := range env {
		b.cmd.Env[k] = v
	}
	return b
}

// WithLimits sets resource constraints.
func (b *CommandBuilder) WithLimits(limits *Limits) *CommandBuilder {
	if b.err != nil {
		return b
	}
	b.cmd.Limits = limits
	return b
}

// WithPolicy overrides the sanitizer profile for this command.
func (b *CommandBuilder) WithPolicy(policy sanitize.Policy) *CommandBuilder {
	if b.err != nil {
		return b
	}
	b.cmd.Policy = &policy
	return b
}

// WithMetadata adds metadata for tracing/logging.
func (b *CommandBuilder) WithMetadata(key, value string) *CommandBuilder {
	if b.err != nil {
		return b
	}
	b.cmd.Metadata[key] = value
	return b
}

// WithPriority sets the execution priority.
func (b *CommandBuilder) WithPriority(priority Priority) *CommandBuilder {
	if b.err != nil {
		return b
	}
	b.cmd.Priority = priority
	return b
}

// Build validates and returns the command.
func (b *CommandBuilder) Build() (*Command, error) {
	if b.err != nil {
		return nil, b.err
	}

	if b.cmd.Program == "" {
		return nil, fmt.Errorf("%w: program is required", ErrInvalidCommand)
	}

	// Validate working directory if set
	if b.cmd.WorkingDir != "" && !filepath.IsAbs(b.cmd.WorkingDir) {
		return nil, fmt.Errorf("%w: working directory must be an absolute path", ErrInvalidCommand)
	}

	return b.cmd, nil
}

// MustBuild validates and returns the command, panicking on error.
func (b *CommandBuilder) MustBuild() *Command {
	cmd, err := b.Build()
	if err != nil {
		panic(err)
	}
	return cmd
}

// Clone creates a deep copy of the command.
func (c *Command) Clone() *Command {
	clone := &Command{
		ID:         c.ID,
		Program:    c.Program,
		Args:       make([]string, len(c.Args)),
		Env:        make(map[string]string, len(c.Env)),
		WorkingDir: c.WorkingDir,
		Timeout:    c.Timeout,
		Input:      c.Input,
		Metadata:   make(map[string]string, len(c.Metadata)),
		Priority:   c.Priority,
	}

	copy(clone.Args, c.Args)

	for k, v := range c.Env {
		clone.Env[k] = v
	}

	for k, v := range c.Metadata {
		clone.Metadata[k] = v
	}

	if c.Limits != nil {
		limits := *c.Limits
		clone.Limits = &limits
	}

	if c.Policy != nil {
		policy := *c.Policy
		clone.Policy = &policy
	}

	return clone
}

// String returns a string representation of the command.
func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return fmt.Sprintf("%s %v", c.Program, c.Args)
}

// ensureID returns the command itself when it carries an id, or a
// clone with a fresh UUID when it does not.
func (c *Command) ensureID() *Command {
	if c.ID != "" {
		return c
	}
	clone := c.Clone()
	clone.ID = uuid.New().String()
	return clone
}

// effectiveTimeout resolves the command deadline against the manager
// default. Zero means no deadline at all.
func (c *Command) effectiveTimeout(fallback time.Duration) time.Duration {
	switch {
	case c.Timeout > 0:
		return c.Timeout
	case c.Timeout < 0:
		return 0
	default:
		return fallback
	}
}
