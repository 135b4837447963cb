// Package noise turns microphone blocks into a loudness level and a detected flag.
package noise

// Noise detection constants
const (
	// Gain applied to the L2 norm of a block.
	LoudnessGain = 10.0

	// Readings kept for the level display.
	RecentReadings = 64

	// Blocks buffered for an active recording before the oldest is dropped.
	// About a minute of audio at 0.1s blocks.
	MaxCaptureBlocks = 600
)
