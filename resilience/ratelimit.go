// Package resilience guards process spawning. It rate-limits how
// often a program may be launched, opens a circuit after repeated
// spawn failures, and backs off retries.
package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter bounds how often programs may be spawned.
type RateLimiter interface {
	// Allow reports whether a spawn of program may proceed now.
	Allow(program string) bool

	// Wait blocks until a spawn is allowed or the context ends.
	Wait(ctx context.Context, program string) error

	// SetLimit updates the limit for one program.
	SetLimit(program string, limit rate.Limit, burst int)
}

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// DefaultLimit is the default spawns per second.
	DefaultLimit float64

	// DefaultBurst is the default burst size.
	DefaultBurst int

	// PerProgram tracks each program separately instead of sharing
	// one global bucket.
	PerProgram bool

	// ProgramLimits overrides the default for named programs.
	ProgramLimits map[string]ProgramLimit
}

// ProgramLimit is the spawn rate for one program.
type ProgramLimit struct {
	Limit float64
	Burst int
}

// DefaultRateLimiterConfig returns the default configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		DefaultLimit:  100,
		DefaultBurst:  150,
		PerProgram:    true,
		ProgramLimits: make(map[string]ProgramLimit),
	}
}

type rateLimiter struct {
	config   RateLimiterConfig
	global   *rate.Limiter
	programs map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(config RateLimiterConfig) RateLimiter {
	rl := &rateLimiter{
		config:   config,
		global:   rate.NewLimiter(rate.Limit(config.DefaultLimit), config.DefaultBurst),
		programs: make(map[string]*rate.Limiter),
	}

	for program, limit := range config.ProgramLimits {
		rl.programs[program] = rate.NewLimiter(rate.Limit(limit.Limit), limit.Burst)
	}

	return rl
}

// Allow implements RateLimiter.Allow.
func (rl *rateLimiter) Allow(program string) bool {
	if !rl.config.PerProgram {
		return rl.global.Allow()
	}
	return rl.getLimiter(program).Allow()
}

// Wait implements RateLimiter.Wait.
func (rl *rateLimiter) Wait(ctx context.Context, program string) error {
	if !rl.config.PerProgram {
		return rl.global.Wait(ctx)
	}
	return rl.getLimiter(program).Wait(ctx)
}

// SetLimit implements RateLimiter.SetLimit.
func (rl *rateLimiter) SetLimit(program string, limit rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, ok := rl.programs[program]; ok {
		limiter.SetLimit(limit)
		limiter.SetBurst(burst)
	} else {
		rl.programs[program] = rate.NewLimiter(limit, burst)
	}
}

func (rl *rateLimiter) getLimiter(program string) *rate.Limiter {
	rl.mu.RLock()
	limiter, ok := rl.programs[program]
	rl.mu.RUnlock()

	if ok {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if existing, ok := rl.programs[program]; ok {
		return existing
	}

	limiter = rate.NewLimiter(rate.Limit(rl.config.DefaultLimit), rl.config.DefaultBurst)
	rl.programs[program] = limiter
	return limiter
}
