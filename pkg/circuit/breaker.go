// Package circuit provides a circuit breaker for the miner's outbound telemetry sinks.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/ptsminer/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls are rejected without reaching the sink
	StateOpen
	// StateHalfOpen - calls are let through to probe recovery
	StateHalfOpen
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name            string
	MaxFailures     int           // failures before opening
	SuccessRequired int           // successes in half-open before closing
	Timeout         time.Duration // open -> half-open delay
	ResetTimeout    time.Duration // closed failure counter window
}

// DefaultConfig returns the configuration used for telemetry sinks
func DefaultConfig() *Config {
	return &Config{
		Name:            "telemetry",
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// SinkConfig returns DefaultConfig tagged with a sink name
func SinkConfig(name string) *Config {
	cfg := DefaultConfig()
	cfg.Name = name
	return cfg
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	now    func() time.Time
	mutex  sync.Mutex

	state        State
	failures     int
	successes    int
	rejected     uint64
	lastFailTime time.Time
	windowStart  time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	return NewWithClock(config, time.Now)
}

// NewWithClock creates a breaker driven by a custom clock
func NewWithClock(config *Config, now func() time.Time) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config:      config,
		now:         now,
		state:       StateClosed,
		windowStart: now(),
	}
}

// Execute runs fn unless the circuit is open
func (cb *Breaker) Execute(_ context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithResult runs fn unless the circuit is open and returns its result
func ExecuteWithResult[T any](ctx context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

func (cb *Breaker) admit() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	switch cb.state {
	case StateClosed:
		if now.Sub(cb.windowStart) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.windowStart = now
		}
		return nil
	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return nil
		}
	case StateHalfOpen:
		return nil
	}

	cb.rejected++
	return errors.New(errors.ErrorTypeTelemetry, "circuit_breaker", "circuit breaker is open").
		WithContext("sink", cb.config.Name).
		WithContext("state", cb.state.String())
}

func (cb *Breaker) record(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.successes = 0
		}
		return
	}

	cb.successes++
	if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
		cb.state = StateClosed
		cb.failures = 0
		cb.successes = 0
		cb.windowStart = cb.now()
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	Rejected     uint64
	LastFailTime time.Time
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Stats{
		Name:         cb.config.Name,
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		Rejected:     cb.rejected,
		LastFailTime: cb.lastFailTime,
	}
}

// Reset manually closes the circuit
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.windowStart = cb.now()
}
