package resilience

import "time"

// Breaker defaults
const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 3

	// SMTP relays and brokers recover slowly, so retry rarely and close on the first success.
	TransportThreshold         = 3
	TransportResetTimeout      = 2 * time.Minute
	TransportHalfOpenSuccesses = 1
)

// Config holds circuit breaker settings.
type Config struct {
	Name              string        // guarded dependency, for logs
	Threshold         int           // consecutive failures before opening
	ResetTimeout      time.Duration // time since the last failure before a trial call
	HalfOpenSuccesses int           // trial successes needed to close
	Now               func() time.Time
}

// DefaultConfig returns general-purpose settings.
func DefaultConfig() Config {
	return Config{
		Name:              "default",
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

// TransportConfig returns settings for the alert transport called name.
func TransportConfig(name string) Config {
	return Config{
		Name:              name,
		Threshold:         TransportThreshold,
		ResetTimeout:      TransportResetTimeout,
		HalfOpenSuccesses: TransportHalfOpenSuccesses,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = d.HalfOpenSuccesses
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
