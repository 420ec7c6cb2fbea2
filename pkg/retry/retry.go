// Package retry provides backoff helpers for pool dialing and telemetry sinks.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/ptsminer/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultConfig returns a general purpose retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// PoolDialConfig is used when opening the TCP connection to the pool.
// The manager adds its own fixed reconnect delay on top of this.
func PoolDialConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// TelemetryConfig is used by the kafka/influx/redis/zmq sinks. Short, since
// telemetry must never hold up mining.
func TelemetryConfig() *Config {
	return &Config{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Do executes fn until it succeeds, fails with a non-retryable error, or
// runs out of attempts.
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retry logic and returns its result
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}

	for attempt := range config.MaxAttempts {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		if err := Backoff(ctx, config.calculateDelay(attempt)); err != nil {
			return zero, err
		}
	}

	return zero, errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)
}

// Backoff sleeps for d or until ctx is done, whichever comes first.
func Backoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Config) calculateDelay(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	delay = min(delay, float64(c.MaxDelay))

	if c.Jitter {
		// up to 10%
		delay += delay * 0.1 * rand.Float64()
	}

	return time.Duration(delay)
}
