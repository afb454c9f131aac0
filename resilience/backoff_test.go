package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewExponentialBackoff(t *testing.T) {
	config := DefaultBackoffConfig()
	config.Jitter = false
	backoff := NewExponentialBackoff(config)

	if backoff == nil {
		t.Fatal("NewExponentialBackoff returned nil")
	}

	duration := backoff.Next()
	if duration != config.InitialInterval {
		t.Errorf("Expected duration %v, got %v", config.InitialInterval, duration)
	}
}

func TestExponentialBackoff_Next(t *testing.T) {
	config := DefaultBackoffConfig()
	config.InitialInterval = 100 * time.Millisecond
	config.Multiplier = 2.0
	config.MaxRetries = 5
	config.Jitter = false

	backoff := NewExponentialBackoff(config)

	var durations []time.Duration
	for i := 0; i < 4; i++ {
		durations = append(durations, backoff.Next())
	}

	if durations[0] != 100*time.Millisecond {
		t.Errorf("First duration should be 100ms, got %v", durations[0])
	}

	for i := 1; i < len(durations); i++ {
		if durations[i] < durations[i-1] {
			t.Errorf("Duration should grow: %v < %v", durations[i], durations[i-1])
		}
	}
}

func TestExponentialBackoff_MaxRetries(t *testing.T) {
	config := DefaultBackoffConfig()
	config.MaxRetries = 3
	backoff := NewExponentialBackoff(config)

	for i := 0; i < 3; i++ {
		if backoff.Next() == 0 {
			t.Errorf("Expected non-zero duration at attempt %d", i+1)
		}
	}

	if duration := backoff.Next(); duration != 0 {
		t.Errorf("Expected 0 duration after max retries, got %v", duration)
	}
}

func TestExponentialBackoff_Reset(t *testing.T) {
	config := DefaultBackoffConfig()
	config.InitialInterval = 100 * time.Millisecond
	config.Jitter = false

	backoff := NewExponentialBackoff(config)

	backoff.Next()
	backoff.Next()
	backoff.Reset()

	if duration := backoff.Next(); duration != 100*time.Millisecond {
		t.Errorf("After reset, expected 100ms, got %v", duration)
	}
}

func TestExponentialBackoff_MaxInterval(t *testing.T) {
	config := DefaultBackoffConfig()
	config.InitialInterval = 100 * time.Millisecond
	config.Multiplier = 10.0
	config.MaxInterval = 500 * time.Millisecond
	config.Jitter = false

	backoff := NewExponentialBackoff(config)

	for i := 0; i < 5; i++ {
		if duration := backoff.Next(); duration > config.MaxInterval {
			t.Errorf("Duration %v exceeded MaxInterval %v", duration, config.MaxInterval)
		}
	}
}

func TestExponentialBackoff_JitterStaysNearInterval(t *testing.T) {
	config := DefaultBackoffConfig()
	config.InitialInterval = 100 * time.Millisecond
	config.Jitter = true
	config.JitterFactor = 0.1

	backoff := NewExponentialBackoff(config)

	for i := 0; i < 10; i++ {
		duration := backoff.Next()
		if duration < 90*time.Millisecond || duration > 110*time.Millisecond {
			t.Errorf("Jittered duration %v outside 10%% of 100ms", duration)
		}
		backoff.Reset()
	}
}

func TestExponentialBackoff_Attempts(t *testing.T) {
	config := DefaultBackoffConfig()
	config.MaxRetries = 5
	backoff := NewExponentialBackoff(config)

	if backoff.Attempts() != 0 {
		t.Errorf("Initial attempts should be 0, got %d", backoff.Attempts())
	}

	backoff.Next()
	if backoff.Attempts() != 1 {
		t.Errorf("After Next(), attempts should be 1, got %d", backoff.Attempts())
	}

	backoff.Reset()
	if backoff.Attempts() != 0 {
		t.Errorf("After Reset(), attempts should be 0, got %d", backoff.Attempts())
	}
}

func TestConstantBackoff(t *testing.T) {
	interval := 200 * time.Millisecond
	backoff := NewConstantBackoff(interval, 5)

	for i := 0; i < 5; i++ {
		if duration := backoff.Next(); duration != interval {
			t.Errorf("Expected %v, got %v", interval, duration)
		}
	}

	if duration := backoff.Next(); duration != 0 {
		t.Errorf("Expected 0 after max retries, got %v", duration)
	}
}

func TestConstantBackoff_Unlimited(t *testing.T) {
	interval := 100 * time.Millisecond
	backoff := NewConstantBackoff(interval, 0)

	for i := 0; i < 10; i++ {
		if duration := backoff.Next(); duration != interval {
			t.Errorf("Expected %v, got %v", interval, duration)
		}
	}
}

func TestConstantBackoff_Reset(t *testing.T) {
	backoff := NewConstantBackoff(100*time.Millisecond, 2)

	backoff.Next()
	backoff.Next()
	backoff.Reset()

	if duration := backoff.Next(); duration != 100*time.Millisecond {
		t.Errorf("After reset, expected 100ms, got %v", duration)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	config := DefaultBackoffConfig()
	config.InitialInterval = 10 * time.Millisecond
	config.MaxRetries = 3
	backoff := NewExponentialBackoff(config)

	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not ready")
		}
		return nil
	}

	err := RetryWithBackoff(context.Background(), backoff, fn)
	if err != nil {
		t.Errorf("Expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWithBackoff_ExhaustRetries(t *testing.T) {
	config := DefaultBackoffConfig()
	config.InitialInterval = 10 * time.Millisecond
	config.MaxRetries = 2
	backoff := NewExponentialBackoff(config)

	wantErr := errors.New("always fails")
	err := RetryWithBackoff(context.Background(), backoff, func() error {
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Errorf("Expected the last error after exhausting retries, got %v", err)
	}
}

func TestRetryWithBackoff_ContextCanceled(t *testing.T) {
	config := DefaultBackoffConfig()
	config.InitialInterval = 100 * time.Millisecond
	backoff := NewExponentialBackoff(config)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWithBackoff(ctx, backoff, func() error {
		return errors.New("always fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
