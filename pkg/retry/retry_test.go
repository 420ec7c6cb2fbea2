package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	minerErrors "github.com/bardlex/ptsminer/pkg/errors"
)

func TestConfigs(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		maxAttempts int
		maxDelay    time.Duration
	}{
		{"default", DefaultConfig(), 3, 5 * time.Second},
		{"pool dial", PoolDialConfig(), 3, 2 * time.Second},
		{"telemetry", TelemetryConfig(), 2, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.maxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.config.MaxAttempts, tt.maxAttempts)
			}
			if tt.config.MaxDelay != tt.maxDelay {
				t.Errorf("MaxDelay = %v, want %v", tt.config.MaxDelay, tt.maxDelay)
			}
			if !tt.config.Jitter {
				t.Error("expected jitter enabled")
			}
		})
	}
}

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDo_SucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return minerErrors.New(minerErrors.ErrorTypeNetwork, "dial", "connection refused")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	cfgErr := minerErrors.New(minerErrors.ErrorTypeConfig, "parse", "bad url")
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return cfgErr
	})

	if !errors.Is(err, cfgErr) {
		t.Errorf("Do() error = %v, want %v", err, cfgErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return minerErrors.New(minerErrors.ErrorTypePool, "login", "timeout")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if ctx := minerErrors.GetContext(err); ctx["max_attempts"] != 2 {
		t.Errorf("max_attempts context = %v", ctx["max_attempts"])
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, minerErrors.New(minerErrors.ErrorTypeTelemetry, "write", "broken pipe")
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := &Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}
	err := Do(ctx, cfg, func() error {
		return minerErrors.New(minerErrors.ErrorTypeNetwork, "dial", "connection reset")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestBackoff(t *testing.T) {
	start := time.Now()
	if err := Backoff(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Backoff() error = %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("Backoff returned early")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Backoff(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Backoff() on canceled ctx = %v", err)
	}
}

func TestConfig_calculateDelay(t *testing.T) {
	cfg := &Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{5, time.Second},
	}

	for _, tt := range tests {
		if got := cfg.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
