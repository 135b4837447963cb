package server

import "time"

// Server configuration constants
const (
	// Per-connection WebSocket command limit
	RateLimitMessages = 30          // Max messages per connection per window
	RateLimitWindow   = time.Second // Sliding window duration

	// How often stats are pushed to WebSocket clients
	StatsInterval = time.Second

	// Write deadline for a single WebSocket message
	WriteTimeout = 2 * time.Second

	// Event lines returned when the client does not ask for a count
	DefaultEventCount = 50

	// Largest settings document accepted
	MaxSettingsBody = 64 << 10

	// Health status refresh
	HealthInterval = time.Second
)
