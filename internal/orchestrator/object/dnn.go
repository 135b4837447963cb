package object

import (
	"image"
	"sync"

	"gocv.io/x/gocv"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
)

// DNN runs MobileNet-SSD and reports all VOC classes.
type DNN struct {
	mu  sync.Mutex
	net gocv.Net
}

// NewDNN loads the Caffe model.
func NewDNN(prototxt, model string) (*DNN, error) {
	if !fileExists(prototxt) || !fileExists(model) {
		return nil, apperrors.Newf(apperrors.NotFound, "model files missing: %s, %s", prototxt, model)
	}

	net := gocv.ReadNetFromCaffe(prototxt, model)
	if net.Empty() {
		return nil, apperrors.Newf(apperrors.DetectorFailed, "failed to load ssd model from %s", model)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
	return &DNN{net: net}, nil
}

func (d *DNN) Name() string { return "dnn" }

// Detect runs one forward pass.
func (d *DNN) Detect(frame gocv.Mat, minConfidence float64) ([]Detection, gocv.Mat, error) {
	if frame.Empty() {
		return nil, gocv.NewMat(), apperrors.New(apperrors.DetectorFailed, "empty frame")
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(frame, &resized, image.Pt(SSDInputSize, SSDInputSize), 0, 0, gocv.InterpolationLinear)

	blob := gocv.BlobFromImage(resized, SSDScale, image.Pt(SSDInputSize, SSDInputSize),
		gocv.NewScalar(SSDMean, SSDMean, SSDMean, 0), false, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.mu.Unlock()
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, gocv.NewMat(), apperrors.Wrap(err, apperrors.DetectorFailed, "read ssd output")
	}

	dets := parseSSD(data, frame.Cols(), frame.Rows(), minConfidence)
	return dets, Annotate(frame, dets), nil
}

// parseSSD decodes the flat [N,7] detection tensor into frame coordinates.
func parseSSD(data []float32, width, height int, minConfidence float64) []Detection {
	var dets []Detection
	bounds := image.Rect(0, 0, width, height)
	for i := 0; i+ssdStride <= len(data); i += ssdStride {
		conf := float64(data[i+2])
		if conf < minConfidence {
			continue
		}
		class := int(data[i+1])
		if class <= 0 || class >= len(VOCClasses) {
			continue
		}
		box := image.Rect(
			int(data[i+3]*float32(width)), int(data[i+4]*float32(height)),
			int(data[i+5]*float32(width)), int(data[i+6]*float32(height)),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}
		dets = append(dets, Detection{Label: VOCClasses[class], Confidence: conf, Box: box})
	}
	return dets
}

func (d *DNN) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
