package grpcclient

import "time"

// Client configuration defaults
const (
	// Per-call deadline for a single health check
	HealthCheckTimeout = 2 * time.Second

	// Keepalive configuration
	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second
)
