// Package object finds people and objects in frames using either a HOG people
// detector or a MobileNet-SSD network, behind one Detector interface.
package object

// MobileNet-SSD model files, looked up in the model directory.
const (
	PrototxtFile = "MobileNetSSD_deploy.prototxt"
	ModelFile    = "MobileNetSSD_deploy.caffemodel"
)

// DNN input parameters
const (
	SSDInputSize = 300
	SSDScale     = 0.007843
	SSDMean      = 127.5
	ssdStride    = 7 // [image, class, confidence, x1, y1, x2, y2]
)

// HOG parameters
const (
	HOGWinStride  = 4
	HOGPadding    = 8
	HOGScale      = 1.05
	HOGConfidence = 1.0 // the SVM gives no calibrated score
	HOGMaxWidth   = 640 // larger frames are downscaled before scanning
)

// Scheduler defaults
const (
	DefaultInterval = 10
	// Hamming distance at or below which a frame counts as unchanged.
	MaxHashDistance = 4
	hashSize        = 64
)

// PersonLabel is the class name counted by CountPeople.
const PersonLabel = "person"

// VOCClasses are the MobileNet-SSD labels, indexed by class ID.
var VOCClasses = []string{
	"background", "aeroplane", "bicycle", "bird", "boat",
	"bottle", "bus", "car", "cat", "chair", "cow", "diningtable",
	"dog", "horse", "motorbike", "person", "pottedplant", "sheep",
	"sofa", "train", "tvmonitor",
}
