// Package motion detects movement by differencing frames against a background reference.
package motion

import "time"

// Detector defaults
const (
	DefaultBlurSize         = 21
	DefaultDilateIterations = 2
	DefaultRefreshEvery     = 30   // motion events between reference refreshes
	DefaultTrailSize        = 1000 // centroid history for the heatmap
	HotspotCount            = 10

	// Motion events older than this are forgotten by Frequency.
	EventHistory = 5 * time.Minute
)
