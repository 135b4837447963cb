package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{Op: "test", MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestRetryOutcomes(t *testing.T) {
	busy := apperrors.New(apperrors.SensorUnavailable, "camera busy")
	badIndex := apperrors.New(apperrors.ConfigInvalid, "bad device index")

	tests := []struct {
		name      string
		failFirst int   // calls that fail before success, -1 for always
		failWith  error // error returned while failing
		wantCalls int
		wantErr   error
	}{
		{"first try", 0, busy, 1, nil},
		{"recovers", 2, busy, 3, nil},
		{"exhausted", -1, apperrors.New(apperrors.TransientRead, "no frame"), 4, nil},
		{"non-retryable", -1, badIndex, 1, badIndex},
		{"plain error is not retried", -1, errors.New("boom"), 1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), fastRetry(3), func() error {
				calls++
				if tt.failFirst < 0 || calls <= tt.failFirst {
					return tt.failWith
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			switch {
			case tt.failFirst >= 0 && err != nil:
				t.Errorf("Retry() = %v, want nil", err)
			case tt.failFirst < 0 && !errors.Is(err, tt.failWith):
				t.Errorf("Retry() = %v, want %v", err, tt.failWith)
			case tt.wantErr != nil && !errors.Is(err, tt.wantErr):
				t.Errorf("Retry() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryOnRetryHook(t *testing.T) {
	cfg := fastRetry(2)
	var attempts []int
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		attempts = append(attempts, attempt)
		if delay <= 0 || delay > cfg.MaxDelay {
			t.Errorf("delay = %v, want within (0, %v]", delay, cfg.MaxDelay)
		}
		if !apperrors.IsCode(err, apperrors.Unavailable) {
			t.Errorf("err = %v, want UNAVAILABLE", err)
		}
	}

	_ = Retry(context.Background(), cfg, func() error {
		return apperrors.New(apperrors.Unavailable, "smtp relay down")
	})

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}

func TestRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: time.Second}
	cfg.OnRetry = func(int, time.Duration, error) { cancel() }

	start := time.Now()
	err := Retry(ctx, cfg, func() error {
		return apperrors.New(apperrors.Unavailable, "fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Retry took %v after cancel, want prompt return", elapsed)
	}
}

func TestRetryCancelledBeforeFirstCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Retry(ctx, fastRetry(3), func() error {
		called = true
		return nil
	})
	if called || !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() = %v called=%v, want context.Canceled without calling", err, called)
	}
}

func TestRetryConfigs(t *testing.T) {
	s := SensorRetryConfig()
	if s.MaxRetries != SensorMaxRetries || s.BaseDelay != SensorBaseDelay || s.MaxDelay != SensorMaxDelay {
		t.Errorf("SensorRetryConfig() = %+v", s)
	}

	d := RetryConfig{}.withDefaults()
	if d.Op != "call" || d.MaxRetries != DefaultMaxRetries || d.IsRetryable == nil {
		t.Errorf("withDefaults() = %+v", d)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{40, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoffDelay(cfg, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: time.Second, JitterFactor: 0.2}
	for range 100 {
		d := backoffDelay(cfg, 0)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("backoffDelay = %v, want within 10%% of 1s", d)
		}
	}
}
