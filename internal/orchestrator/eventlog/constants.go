package eventlog

// Event log sizing
const (
	DefaultMaxEntries  = 100
	DefaultEventBuffer = 64
)
