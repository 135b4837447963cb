package object

import (
	"image"
	"sync"

	"gocv.io/x/gocv"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
)

// HOG is the classical people detector. It needs no model files.
type HOG struct {
	mu  sync.Mutex
	hog gocv.HOGDescriptor
}

// NewHOG creates a HOG descriptor loaded with the default people SVM.
func NewHOG() *HOG {
	hog := gocv.NewHOGDescriptor()
	svm := gocv.HOGDefaultPeopleDetector()
	defer svm.Close()
	hog.SetSVMDetector(svm)
	return &HOG{hog: hog}
}

func (h *HOG) Name() string { return "hog" }

// Detect scans for people. Every hit is reported with confidence 1.
func (h *HOG) Detect(frame gocv.Mat, minConfidence float64) ([]Detection, gocv.Mat, error) {
	if frame.Empty() {
		return nil, gocv.NewMat(), apperrors.New(apperrors.DetectorFailed, "empty frame")
	}

	scan := frame
	scale := 1.0
	if frame.Cols() > HOGMaxWidth {
		scale = float64(frame.Cols()) / HOGMaxWidth
		small := gocv.NewMat()
		defer small.Close()
		gocv.Resize(frame, &small, image.Pt(HOGMaxWidth, int(float64(frame.Rows())/scale)), 0, 0, gocv.InterpolationLinear)
		scan = small
	}

	h.mu.Lock()
	rects := h.hog.DetectMultiScaleWithParams(scan, 0,
		image.Pt(HOGWinStride, HOGWinStride), image.Pt(HOGPadding, HOGPadding), HOGScale, 2, false)
	h.mu.Unlock()

	dets := make([]Detection, 0, len(rects))
	for _, r := range rects {
		dets = append(dets, Detection{Label: PersonLabel, Confidence: HOGConfidence, Box: scaleRect(r, scale)})
	}
	dets = filterConfidence(dets, minConfidence)
	return dets, Annotate(frame, dets), nil
}

func (h *HOG) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hog.Close()
}

func scaleRect(r image.Rectangle, s float64) image.Rectangle {
	if s == 1 {
		return r
	}
	return image.Rect(int(float64(r.Min.X)*s), int(float64(r.Min.Y)*s),
		int(float64(r.Max.X)*s), int(float64(r.Max.Y)*s))
}
