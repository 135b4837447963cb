// Package alert delivers notifications off the capture loop, one at a time,
// behind a global cooldown.
package alert

import "time"

// Dispatcher defaults
const (
	DefaultQueueSize   = 16
	DefaultCooldown    = 60 * time.Second
	DefaultSendTimeout = 30 * time.Second
	DefaultGrace       = 2 * time.Second
)
