// Package config provides configuration management for goproc.
package config

import (
	"time"

	"github.com/victoralfred/goproc/observability"
	"github.com/victoralfred/goproc/pool"
	"github.com/victoralfred/goproc/resilience"
	"github.com/victoralfred/goproc/stream"
)

// Config is the main configuration for goproc.
type Config struct {
	CircuitBreaker resilience.CircuitBreakerConfig
	RateLimiter    resilience.RateLimiterConfig
	Telemetry      observability.TelemetryConfig
	RulePackPath   string
	RulePackBase   string
	Manager        ManagerConfig
	Audit          observability.AuditConfig
	Pool           pool.Config
}

// ManagerConfig configures the process manager.
type ManagerConfig struct {
	// DefaultTimeout applies to commands that do not carry their own.
	// Zero disables the default; such commands run unbounded.
	DefaultTimeout time.Duration

	// MaxConcurrent bounds simultaneously running processes.
	MaxConcurrent int

	// KillGracePeriod is how long a terminated process gets between
	// the polite signal and the forced one.
	KillGracePeriod time.Duration

	// StreamBufferSize is the per-process output chunk retention.
	StreamBufferSize int

	// UseMinimalEnvironment spawns children with a scrubbed
	// environment instead of the parent's.
	UseMinimalEnvironment bool

	EnableMetrics bool
	EnableTracing bool
	EnableAudit   bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Manager: ManagerConfig{
			DefaultTimeout:   30 * time.Second,
			MaxConcurrent:    100,
			KillGracePeriod:  5 * time.Second,
			StreamBufferSize: stream.DefaultMaxBufferSize,
			EnableMetrics:    true,
			EnableTracing:    true,
			EnableAudit:      true,
		},
		Pool:           pool.DefaultConfig(),
		RateLimiter:    resilience.DefaultRateLimiterConfig(),
		CircuitBreaker: resilience.DefaultCircuitBreakerConfig(),
		Telemetry:      observability.DefaultTelemetryConfig(),
		Audit:          observability.DefaultAuditConfig(),
		RulePackPath:   "rules.yaml",
		RulePackBase:   "/etc/goproc",
	}
}

// DevelopmentConfig returns configuration suitable for development.
func DevelopmentConfig() Config {
	cfg := DefaultConfig()
	cfg.Manager.DefaultTimeout = 60 * time.Second
	cfg.RateLimiter.DefaultLimit = 1000
	cfg.RateLimiter.DefaultBurst = 2000
	cfg.CircuitBreaker.FailureThreshold = 10
	cfg.Audit.LogLevel = observability.AuditLogAll
	cfg.Audit.IncludeOutput = true
	return cfg
}

// ProductionConfig returns configuration suitable for production.
func ProductionConfig() Config {
	cfg := DefaultConfig()
	cfg.Manager.DefaultTimeout = 30 * time.Second
	cfg.Manager.MaxConcurrent = 50
	cfg.RateLimiter.DefaultLimit = 100
	cfg.RateLimiter.DefaultBurst = 150
	cfg.CircuitBreaker.FailureThreshold = 5
	cfg.CircuitBreaker.Timeout = 60 * time.Second
	cfg.Audit.LogLevel = observability.AuditLogAll
	cfg.Audit.IncludeOutput = false
	return cfg
}

// RestrictedConfig returns highly restrictive configuration.
func RestrictedConfig() Config {
	cfg := ProductionConfig()
	cfg.Manager.MaxConcurrent = 10
	cfg.Manager.UseMinimalEnvironment = true
	cfg.RateLimiter.DefaultLimit = 10
	cfg.RateLimiter.DefaultBurst = 20
	cfg.CircuitBreaker.FailureThreshold = 3
	return cfg
}

// Validate normalizes out-of-range values in place.
func (c *Config) Validate() error {
	if c.Manager.MaxConcurrent <= 0 {
		c.Manager.MaxConcurrent = 100
	}

	if c.Manager.KillGracePeriod <= 0 {
		c.Manager.KillGracePeriod = 5 * time.Second
	}

	if c.Manager.StreamBufferSize <= 0 {
		c.Manager.StreamBufferSize = stream.DefaultMaxBufferSize
	}

	if c.Pool.MinWorkers <= 0 {
		c.Pool.MinWorkers = 1
	}

	if c.Pool.MaxWorkers < c.Pool.MinWorkers {
		c.Pool.MaxWorkers = c.Pool.MinWorkers
	}

	return nil
}
