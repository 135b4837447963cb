package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/trace"
)

// Retry defaults
const (
	DefaultMaxRetries   = 3
	DefaultBaseDelay    = 500 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
	DefaultJitterFactor = 0.2

	// Camera and microphone open. Bounded so startup never hangs on a missing device.
	SensorMaxRetries = 2
	SensorBaseDelay  = time.Second
	SensorMaxDelay   = 4 * time.Second
)

// RetryConfig holds retry settings.
type RetryConfig struct {
	Op           string // operation name for logs
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool

	// OnRetry runs before each backoff wait. attempt counts from 1.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns general-purpose settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Op:           "call",
		MaxRetries:   DefaultMaxRetries,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  apperrors.IsRetryable,
	}
}

// SensorRetryConfig returns settings for opening capture devices.
func SensorRetryConfig() RetryConfig {
	return RetryConfig{
		Op:           "sensor open",
		MaxRetries:   SensorMaxRetries,
		BaseDelay:    SensorBaseDelay,
		MaxDelay:     SensorMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  apperrors.IsRetryable,
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or has
// been retried MaxRetries times. The last error is returned unchanged so
// callers can still inspect its code. A cancelled ctx wins over a pending wait.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	log := trace.Logger(ctx)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == cfg.MaxRetries || !cfg.IsRetryable(err) {
			return err
		}

		delay := backoffDelay(cfg, attempt)
		log.Debug("retrying", "op", cfg.Op, "attempt", attempt+1, "max", cfg.MaxRetries, "delay", delay, "error", err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, err)
		}

		if timer == nil {
			timer = time.NewTimer(delay)
		} else {
			timer.Reset(delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoffDelay doubles BaseDelay per attempt up to MaxDelay, then applies
// symmetric jitter of JitterFactor.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := min(cfg.BaseDelay<<min(attempt, 6), cfg.MaxDelay)
	if cfg.JitterFactor == 0 {
		return delay
	}
	jitter := float64(delay) * cfg.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.Op == "" {
		c.Op = d.Op
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = d.JitterFactor
	}
	if c.IsRetryable == nil {
		c.IsRetryable = d.IsRetryable
	}
	return c
}
