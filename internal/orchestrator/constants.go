// Package orchestrator drives the capture pipeline one frame at a time.
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Consecutive failed reads before the camera is treated as lost
	DefaultMaxReadFailures = 30
	DefaultReadRetryDelay  = 100 * time.Millisecond

	// Frames an event kind stays quiet after firing
	MotionCooldownFrames = 10
	NoiseCooldownFrames  = 5
	PersonCooldownFrames = 10

	// Command channel depth and how long a caller waits for the loop
	CommandBuffer         = 8
	DefaultCommandTimeout = 3 * time.Second

	// Time the loop gets to notice cancellation during Stop
	DefaultStopTimeout = 5 * time.Second

	// Closed sessions remembered for the status page
	RecentRecordings = 20

	// Event log sizing
	EventLogEntries = 100
	EventLogBuffer  = 100

	// Snapshot file name layout
	SnapshotLayout = "20060102_150405"

	// Overlay clock format
	OverlayTimeLayout = "2006-01-02 15:04:05"

	// NoiseLabel marks frames on which a noise event fired.
	NoiseLabel = "NOISE DETECTED"
)
