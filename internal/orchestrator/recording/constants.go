// Package recording owns the video and audio writers and decides when a
// recording session opens and closes.
package recording

// Recording defaults
const (
	DefaultFPS      = 20.0
	DefaultCodec    = "XVID"
	TimestampLayout = "20060102_150405"
	AudioBitDepth   = 16

	wavPCM   = 1
	maxInt16 = 32767
)
