package resilience

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Backoff produces retry delays.
type Backoff interface {
	// Next returns the next delay, or 0 when retries are exhausted.
	Next() time.Duration

	// Reset restores the initial state.
	Reset()
}

// BackoffConfig configures backoff behavior.
type BackoffConfig struct {
	// InitialInterval is the first delay.
	InitialInterval time.Duration

	// MaxInterval caps the delay growth.
	MaxInterval time.Duration

	// Multiplier scales the delay after each attempt.
	Multiplier float64

	// MaxRetries bounds the attempt count. 0 means unlimited.
	MaxRetries int

	// Jitter randomizes delays to avoid thundering herds.
	Jitter bool

	// JitterFactor is the maximum relative jitter (0.0 to 1.0).
	JitterFactor float64
}

// DefaultBackoffConfig returns the default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      10,
		Jitter:          true,
		JitterFactor:    0.1,
	}
}

// secureFloat64 returns a random float64 in [0.0, 1.0) from
// crypto/rand. Safe for concurrent use without locking.
func secureFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		val := time.Now().UnixNano()
		return float64(val&0x7FFFFFFF) / float64(0x7FFFFFFF)
	}

	// Keep 53 bits so the value fits the float64 mantissa.
	val := binary.BigEndian.Uint64(buf[:]) >> 11
	return float64(val) / float64(1<<53)
}

// ExponentialBackoff grows the delay geometrically up to MaxInterval.
type ExponentialBackoff struct {
	config   BackoffConfig
	current  time.Duration
	attempts int
}

// NewExponentialBackoff creates an exponential backoff.
func NewExponentialBackoff(config BackoffConfig) *ExponentialBackoff {
	return &ExponentialBackoff{
		config:  config,
		current: config.InitialInterval,
	}
}

// Next implements Backoff.Next.
func (b *ExponentialBackoff) Next() time.Duration {
	if b.config.MaxRetries > 0 && b.attempts >= b.config.MaxRetries {
		return 0
	}

	b.attempts++

	interval := b.current
	if b.config.Jitter {
		interval = b.addJitter(interval)
	}

	next := time.Duration(float64(b.current) * b.config.Multiplier)
	if next > b.config.MaxInterval {
		next = b.config.MaxInterval
	}
	b.current = next

	return interval
}

// Reset implements Backoff.Reset.
func (b *ExponentialBackoff) Reset() {
	b.current = b.config.InitialInterval
	b.attempts = 0
}

// Attempts returns the number of attempts so far.
func (b *ExponentialBackoff) Attempts() int {
	return b.attempts
}

func (b *ExponentialBackoff) addJitter(d time.Duration) time.Duration {
	if b.config.JitterFactor <= 0 {
		return d
	}

	jitter := float64(d) * b.config.JitterFactor
	return time.Duration(float64(d) + jitter*(secureFloat64()*2-1))
}

// ConstantBackoff returns the same delay every time.
type ConstantBackoff struct {
	interval   time.Duration
	maxRetries int
	attempts   int
}

// NewConstantBackoff creates a constant backoff.
func NewConstantBackoff(interval time.Duration, maxRetries int) *ConstantBackoff {
	return &ConstantBackoff{
		interval:   interval,
		maxRetries: maxRetries,
	}
}

// Next implements Backoff.Next.
func (b *ConstantBackoff) Next() time.Duration {
	if b.maxRetries > 0 && b.attempts >= b.maxRetries {
		return 0
	}
	b.attempts++
	return b.interval
}

// Reset implements Backoff.Reset.
func (b *ConstantBackoff) Reset() {
	b.attempts = 0
}

// RetryWithBackoff runs fn until it succeeds, retries are exhausted,
// or the context ends.
func RetryWithBackoff(ctx context.Context, backoff Backoff, fn func() error) error {
	var lastErr error

	for {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		wait := backoff.Next()
		if wait == 0 {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
