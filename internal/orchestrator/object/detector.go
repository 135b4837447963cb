package object

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
)

// Detection is one classified region.
type Detection struct {
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// Detector is implemented by every detection strategy.
type Detector interface {
	// Detect returns detections at or above minConfidence, in scan order, and a new
	// annotated copy of frame that the caller must close. frame is not modified.
	Detect(frame gocv.Mat, minConfidence float64) ([]Detection, gocv.Mat, error)

	// Name identifies the strategy in logs and stats.
	Name() string

	// Close releases resources
	Close() error
}

// Options configures strategy selection.
type Options struct {
	ModelDir string
	// DisableDNN forces the HOG strategy even when model files exist.
	DisableDNN bool
}

// New picks the strategy once: the SSD network when its files are present and
// load, otherwise the HOG people detector.
func New(opts Options) Detector {
	if !opts.DisableDNN {
		proto := filepath.Join(opts.ModelDir, PrototxtFile)
		model := filepath.Join(opts.ModelDir, ModelFile)
		if fileExists(proto) && fileExists(model) {
			d, err := NewDNN(proto, model)
			if err == nil {
				slog.Info("object detection using dnn", "model", model)
				return d
			}
			slog.Warn("dnn load failed, falling back to hog", "error", err)
		} else {
			slog.Info("dnn model files not found, using hog", "dir", opts.ModelDir)
		}
	}
	return NewHOG()
}

// Safe runs d and isolates failures: errors and panics become zero detections
// with an unannotated copy of the frame.
func Safe(d Detector, frame gocv.Mat, minConfidence float64) (dets []Detection, annotated gocv.Mat) {
	if d == nil {
		return nil, frame.Clone()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("object detector panic", "detector", d.Name(), "panic", r)
			dets, annotated = nil, frame.Clone()
		}
	}()

	dets, annotated, err := d.Detect(frame, minConfidence)
	if err != nil {
		slog.Debug("object detection failed", "detector", d.Name(), "error", err)
		return nil, frame.Clone()
	}
	return dets, annotated
}

// CountPeople counts detections labelled person.
func CountPeople(dets []Detection) int {
	n := 0
	for _, d := range dets {
		if d.Label == PersonLabel {
			n++
		}
	}
	return n
}

// Annotate draws dets on a copy of frame.
func Annotate(frame gocv.Mat, dets []Detection) gocv.Mat {
	out := frame.Clone()
	for _, d := range dets {
		c := classColor(d.Label)
		gocv.Rectangle(&out, d.Box, c, 2)
		label := fmt.Sprintf("%s: %.2f", d.Label, d.Confidence)
		y := d.Box.Min.Y - 8
		if y < 15 {
			y = d.Box.Min.Y + 15
		}
		gocv.PutText(&out, label, image.Pt(d.Box.Min.X, y), gocv.FontHersheySimplex, 0.5, c, 2)
	}
	return out
}

func filterConfidence(dets []Detection, minConfidence float64) []Detection {
	out := dets[:0]
	for _, d := range dets {
		if d.Confidence >= minConfidence {
			out = append(out, d)
		}
	}
	return out
}

// classColor gives each label a stable colour; people are always green.
func classColor(label string) color.RGBA {
	if label == PersonLabel {
		return color.RGBA{G: 255, A: 255}
	}
	var h uint32 = 2166136261
	for i := 0; i < len(label); i++ {
		h = (h ^ uint32(label[i])) * 16777619
	}
	return color.RGBA{R: uint8(h), G: uint8(h >> 8), B: uint8(h >> 16), A: 255}
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
