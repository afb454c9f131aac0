// Package goproc provides a hardened external process execution and
// streaming library.
//
// GoProc is a production-grade Go library that centralizes all child
// process invocation behind a minimal API, banning direct os/exec
// usage elsewhere. Commands are sanitized before spawn, children run
// in their own process groups, and output streams through typed
// events with bounded per-process retention.
//
// # Key Features
//
//   - Single execution abstraction with per-command timeouts and kill escalation
//   - Command sanitization with trusted-program profiles and YAML rule packs
//   - Detached process monitoring so caller cancellation never orphans children
//   - Typed output streaming with global, per-process and per-type subscriptions
//   - Simulated manager for deterministic tests and dry runs
//   - Bounded worker pool, rate limiting and circuit breaker for resilience
//   - OpenTelemetry integration for metrics and tracing
//
// # Basic Usage
//
//	mgr, err := goproc.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Shutdown(context.Background())
//
//	cmd, _ := goproc.Cmd("git", "status").Build()
//	output, err := mgr.Execute(ctx, cmd)
//
// # With Rule Packs
//
//	loader, _ := goproc.LoadRules("/etc/goproc", "rules.yaml")
//	pack, _ := loader.Load(ctx)
//	mgr.Sanitizer().ApplyRulePack(pack)
//
// # Lifecycle Model
//
// Every command moves through submitted, sanitizing, and then either
// rejected or spawning, running, and exactly one of completed, failed
// or killed. Transitions are one-directional and each process reaches
// exactly one terminal state, no matter how many callers race to kill
// or how the child exits.
//
// # File I/O
//
// All file operations use github.com/victoralfred/gowritter/safepath
// for secure path handling. Direct use of os.ReadFile, os.WriteFile,
// os.Open, os.Create, or io/ioutil is prohibited within this library.
//
// # Package Structure
//
//   - goproc: Main entry point and convenience functions
//   - manager: Process lifecycle, execution and the Manager interface
//   - sanitize: Command sanitization, profiles and YAML rule packs
//   - stream: Output event routing, buffering and line decoding
//   - pool: Bounded worker pool with backpressure
//   - resilience: Rate limiting and circuit breaker
//   - observability: OpenTelemetry metrics and audit logging
//   - hooks: Extension points for custom behavior
//   - config: Configuration management
package goproc
