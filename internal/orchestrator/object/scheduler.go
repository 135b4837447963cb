package object

import (
	"image"
	"log/slog"
	"sync"

	"github.com/corona10/goimagehash"
	"gocv.io/x/gocv"
)

// Scheduler runs a detector on every Nth frame and skips the network entirely
// when a cadence frame looks the same as the last one analysed.
type Scheduler struct {
	det     Detector
	maxDist int // < 0 disables reuse

	mu       sync.Mutex
	frames   int
	lastHash *goimagehash.ImageHash
	last     []Detection
	runs     int64
	reused   int64
}

// NewScheduler wraps det. maxHashDistance < 0 always re-runs the detector.
func NewScheduler(det Detector, maxHashDistance int) *Scheduler {
	return &Scheduler{det: det, maxDist: maxHashDistance}
}

// Outcome is the result of one scheduled frame.
type Outcome struct {
	Detections []Detection
	Annotated  gocv.Mat // empty when Analysed is false
	Analysed   bool     // a cadence frame
	Reused     bool     // detections carried over from the previous analysis
}

// Close releases the annotated frame.
func (o *Outcome) Close() error { return o.Annotated.Close() }

// Next counts one processed frame and analyses it when it falls on the cadence.
func (s *Scheduler) Next(frame gocv.Mat, interval int, minConfidence float64) Outcome {
	if interval < 1 {
		interval = 1
	}

	s.mu.Lock()
	s.frames++
	due := s.frames%interval == 0
	s.mu.Unlock()
	if !due {
		return Outcome{Annotated: gocv.NewMat()}
	}

	hash := s.hash(frame)

	s.mu.Lock()
	if s.similar(hash) {
		s.reused++
		dets := append([]Detection(nil), s.last...)
		s.mu.Unlock()
		return Outcome{Detections: dets, Annotated: Annotate(frame, dets), Analysed: true, Reused: true}
	}
	s.mu.Unlock()

	dets, annotated := Safe(s.det, frame, minConfidence)

	s.mu.Lock()
	s.runs++
	s.last = append(s.last[:0], dets...)
	s.lastHash = hash
	s.mu.Unlock()
	return Outcome{Detections: dets, Annotated: annotated, Analysed: true}
}

func (s *Scheduler) similar(hash *goimagehash.ImageHash) bool {
	if s.maxDist < 0 || hash == nil || s.lastHash == nil {
		return false
	}
	dist, err := s.lastHash.Distance(hash)
	if err != nil {
		return false
	}
	if dist <= s.maxDist {
		slog.Debug("reusing detections for similar frame", "distance", dist)
		return true
	}
	return false
}

// hash computes a perceptual hash of a downscaled copy of frame.
func (s *Scheduler) hash(frame gocv.Mat) *goimagehash.ImageHash {
	if s.maxDist < 0 || frame.Empty() {
		return nil
	}
	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(frame, &small, image.Pt(hashSize, hashSize), 0, 0, gocv.InterpolationArea)

	img, err := small.ToImage()
	if err != nil {
		return nil
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil
	}
	return h
}

// Last returns the detections of the most recent analysis.
func (s *Scheduler) Last() []Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Detection(nil), s.last...)
}

// SchedulerStats counts detector work.
type SchedulerStats struct {
	Detector string `json:"detector"`
	Runs     int64  `json:"runs"`
	Reused   int64  `json:"reused"`
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := ""
	if s.det != nil {
		name = s.det.Name()
	}
	return SchedulerStats{Detector: name, Runs: s.runs, Reused: s.reused}
}

// Close closes the wrapped detector.
func (s *Scheduler) Close() error {
	if s.det == nil {
		return nil
	}
	return s.det.Close()
}
