// Package hooks provides extension points around the process
// lifecycle. Hooks observe spawns, exits, and errors; they never
// modify the command that was sanitized.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// ProcessSpawn describes a command about to be spawned.
type ProcessSpawn struct {
	ID         string
	Program    string
	Args       []string
	WorkingDir string
	Policy     string
}

// ProcessExit describes a finished process.
type ProcessExit struct {
	ID       string
	Program  string
	Status   string
	ExitCode int
	Duration time.Duration
	Err      error
}

// ProcessError describes an infrastructure failure for a process.
type ProcessError struct {
	ID      string
	Program string
	Err     error
}

// Hook identifies an extension point implementation.
type Hook interface {
	// Name returns a unique identifier for the hook.
	Name() string

	// Priority determines invocation order (lower runs earlier).
	Priority() int
}

// BeforeSpawnHook runs after sanitization, before the process starts.
// Returning an error vetoes the spawn.
type BeforeSpawnHook interface {
	Hook
	BeforeSpawn(ctx context.Context, spawn ProcessSpawn) error
}

// AfterExitHook runs once a process reaches a terminal state.
type AfterExitHook interface {
	Hook
	AfterExit(ctx context.Context, exit ProcessExit) error
}

// ErrorHook runs when process infrastructure fails.
type ErrorHook interface {
	Hook
	OnError(ctx context.Context, processErr ProcessError) error
}

// Registry manages hook registration and invocation.
type Registry struct {
	beforeSpawn []BeforeSpawnHook
	afterExit   []AfterExitHook
	errorHooks  []ErrorHook
	mu          sync.RWMutex
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a hook. A single value may implement several hook
// interfaces and is registered for each.
func (r *Registry) Register(hook Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	registered := false
	if h, ok := hook.(BeforeSpawnHook); ok {
		r.beforeSpawn = sortedByPriority(append(r.beforeSpawn, h))
		registered = true
	}
	if h, ok := hook.(AfterExitHook); ok {
		r.afterExit = sortedByPriority(append(r.afterExit, h))
		registered = true
	}
	if h, ok := hook.(ErrorHook); ok {
		r.errorHooks = sortedByPriority(append(r.errorHooks, h))
		registered = true
	}

	if !registered {
		return fmt.Errorf("hook %s implements no hook interface", hook.Name())
	}
	return nil
}

// Unregister removes a hook by name from every extension point.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.beforeSpawn = removeByName(r.beforeSpawn, name)
	r.afterExit = removeByName(r.afterExit, name)
	r.errorHooks = removeByName(r.errorHooks, name)
}

// RunBeforeSpawn runs the before-spawn hooks in priority order. The
// first error stops the chain and vetoes the spawn.
func (r *Registry) RunBeforeSpawn(ctx context.Context, spawn ProcessSpawn) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, hook := range r.beforeSpawn {
		if err := hook.BeforeSpawn(ctx, spawn); err != nil {
			return fmt.Errorf("hook %s: %w", hook.Name(), err)
		}
	}
	return nil
}

// RunAfterExit runs the after-exit hooks in priority order. The first
// error is returned; the exit itself already happened.
func (r *Registry) RunAfterExit(ctx context.Context, exit ProcessExit) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, hook := range r.afterExit {
		if err := hook.AfterExit(ctx, exit); err != nil {
			return fmt.Errorf("hook %s: %w", hook.Name(), err)
		}
	}
	return nil
}

// RunError runs the error hooks in priority order.
func (r *Registry) RunError(ctx context.Context, processErr ProcessError) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, hook := range r.errorHooks {
		if err := hook.OnError(ctx, processErr); err != nil {
			return fmt.Errorf("hook %s: %w", hook.Name(), err)
		}
	}
	return nil
}

func sortedByPriority[H Hook](hooks []H) []H {
	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Priority() < hooks[j].Priority()
	})
	return hooks
}

func removeByName[H Hook](hooks []H, name string) []H {
	result := make([]H, 0, len(hooks))
	for _, h := range hooks {
		if h.Name() != name {
			result = append(result, h)
		}
	}
	return result
}

// LoggingHook logs spawns and exits.
type LoggingHook struct {
	logger logr.Logger
}

// NewLoggingHook creates a logging hook.
func NewLoggingHook(logger logr.Logger) *LoggingHook {
	return &LoggingHook{logger: logger}
}

func (h *LoggingHook) Name() string  { return "logging" }
func (h *LoggingHook) Priority() int { return 1000 }

// BeforeSpawn implements BeforeSpawnHook. Argument values stay out of
// the log; prompts can carry secrets.
func (h *LoggingHook) BeforeSpawn(ctx context.Context, spawn ProcessSpawn) error {
	h.logger.Info("starting process",
		"id", spawn.ID,
		"program", spawn.Program,
		"args", len(spawn.Args),
		"policy", spawn.Policy,
	)
	return nil
}

// AfterExit implements AfterExitHook.
func (h *LoggingHook) AfterExit(ctx context.Context, exit ProcessExit) error {
	if exit.Err != nil {
		h.logger.Info("process failed",
			"id", exit.ID,
			"program", exit.Program,
			"status", exit.Status,
			"error", exit.Err.Error(),
		)
		return nil
	}
	h.logger.Info("process finished",
		"id", exit.ID,
		"program", exit.Program,
		"status", exit.Status,
		"exit_code", exit.ExitCode,
		"duration", exit.Duration,
	)
	return nil
}
