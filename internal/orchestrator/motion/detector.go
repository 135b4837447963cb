package motion

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Params are the per-frame thresholds, read from the pipeline config snapshot.
type Params struct {
	Threshold int     // per-pixel intensity difference
	MinArea   float64 // smallest contour that counts as motion
	Heatmap   bool
}

// Options are fixed at construction.
type Options struct {
	BlurSize         int // Gaussian kernel, forced odd; <= 1 disables blurring
	DilateIterations int
	RefreshEvery     int // <= 0 keeps the first reference forever
	TrailSize        int
}

// DefaultOptions returns the stock detector tuning.
func DefaultOptions() Options {
	return Options{
		BlurSize:         DefaultBlurSize,
		DilateIterations: DefaultDilateIterations,
		RefreshEvery:     DefaultRefreshEvery,
		TrailSize:        DefaultTrailSize,
	}
}

// Result is the verdict for one frame. Annotated is a new Mat owned by the caller.
type Result struct {
	Detected  bool
	TotalArea float64
	Boxes     []image.Rectangle
	Annotated gocv.Mat
}

// Close releases the annotated frame.
func (r *Result) Close() error { return r.Annotated.Close() }

// Detector holds the background reference. Detect is called from the capture loop;
// Frequency and Hotspots may be called from anywhere.
type Detector struct {
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	reference gocv.Mat
	hasRef    bool
	closed    bool
	events    int
	trail     []image.Point
	eventLog  []time.Time
}

// New creates a detector. The first Detect call establishes the reference.
func New(opts Options) *Detector {
	if opts.TrailSize <= 0 {
		opts.TrailSize = DefaultTrailSize
	}
	if opts.DilateIterations < 0 {
		opts.DilateIterations = 0
	}
	if opts.BlurSize > 1 && opts.BlurSize%2 == 0 {
		opts.BlurSize++
	}
	return &Detector{opts: opts, now: time.Now, reference: gocv.NewMat()}
}

// Detect compares frame against the reference. It never fails: an empty frame
// yields no motion and a frame of a new size silently replaces the reference.
func (d *Detector) Detect(frame gocv.Mat, p Params) Result {
	out := frame.Clone()
	if frame.Empty() {
		return Result{Annotated: out}
	}

	gray := d.prepare(frame)
	defer gray.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Result{Annotated: out}
	}
	if !d.hasRef || d.reference.Rows() != gray.Rows() || d.reference.Cols() != gray.Cols() {
		gray.CopyTo(&d.reference)
		d.hasRef = true
		return Result{Annotated: out}
	}

	mask := d.mask(gray, p.Threshold)
	defer mask.Close()

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	res := Result{Annotated: out}
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area < p.MinArea {
			continue
		}
		box := gocv.BoundingRect(c)
		res.Boxes = append(res.Boxes, box)
		res.TotalArea += area
		d.remember(center(box))
	}
	res.Detected = len(res.Boxes) > 0

	if res.Detected {
		d.events++
		d.eventLog = append(d.eventLog, d.now())
		d.pruneEvents()
		if d.opts.RefreshEvery > 0 && d.events%d.opts.RefreshEvery == 0 {
			gray.CopyTo(&d.reference)
		}
	}

	if p.Heatmap {
		d.drawHeatmap(&res.Annotated, mask)
	}
	if res.Detected {
		drawRegions(&res.Annotated, res.Boxes, res.TotalArea)
	}
	return res
}

// prepare converts to a blurred single channel image.
func (d *Detector) prepare(frame gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch frame.Channels() {
	case 1:
		frame.CopyTo(&gray)
	case 4:
		gocv.CvtColor(frame, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	}
	if d.opts.BlurSize > 1 {
		gocv.GaussianBlur(gray, &gray, image.Pt(d.opts.BlurSize, d.opts.BlurSize), 0, 0, gocv.BorderDefault)
	}
	return gray
}

// mask thresholds the difference against the reference and merges nearby fragments.
func (d *Detector) mask(gray gocv.Mat, threshold int) gocv.Mat {
	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(d.reference, gray, &diff)

	mask := gocv.NewMat()
	gocv.Threshold(diff, &mask, float32(threshold), 255, gocv.ThresholdBinary)

	if d.opts.DilateIterations > 0 {
		kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
		defer kernel.Close()
		for i := 0; i < d.opts.DilateIterations; i++ {
			gocv.Dilate(mask, &mask, kernel)
		}
	}
	return mask
}

func (d *Detector) remember(p image.Point) {
	d.trail = append(d.trail, p)
	if over := len(d.trail) - d.opts.TrailSize; over > 0 {
		d.trail = append(d.trail[:0], d.trail[over:]...)
	}
}

func (d *Detector) pruneEvents() {
	cutoff := d.now().Add(-EventHistory)
	i := 0
	for i < len(d.eventLog) && d.eventLog[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		d.eventLog = append(d.eventLog[:0], d.eventLog[i:]...)
	}
}

// Frequency returns motion events per second over the trailing window.
func (d *Detector) Frequency(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-window)
	n := 0
	for i := len(d.eventLog) - 1; i >= 0 && !d.eventLog[i].Before(cutoff); i-- {
		n++
	}
	return float64(n) / window.Seconds()
}

// Hotspots returns the most recent region centroids, oldest first.
func (d *Detector) Hotspots() []image.Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := max(0, len(d.trail)-HotspotCount)
	return append([]image.Point(nil), d.trail[start:]...)
}

// Events returns the number of frames that reported motion.
func (d *Detector) Events() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

// Reset drops the reference so the next frame becomes the new background.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hasRef = false
	d.trail = d.trail[:0]
	d.eventLog = d.eventLog[:0]
}

// HasReference reports whether a background frame is held.
func (d *Detector) HasReference() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasRef
}

// Close releases the reference. Later Detect calls report no motion.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed, d.hasRef = true, false
	return d.reference.Close()
}

func center(r image.Rectangle) image.Point {
	return image.Pt(r.Min.X+r.Dx()/2, r.Min.Y+r.Dy()/2)
}

var (
	boxColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	glowColor  = color.RGBA{R: 0, G: 120, B: 0, A: 255}
	alertColor = color.RGBA{R: 255, G: 40, B: 40, A: 255}
	trailColor = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

func drawRegions(img *gocv.Mat, boxes []image.Rectangle, total float64) {
	for _, b := range boxes {
		gocv.Rectangle(img, b.Inset(-3), glowColor, 4)
		gocv.Rectangle(img, b, boxColor, 2)
		drawCorners(img, b, min(b.Dx(), b.Dy(), 20)/2)
	}
	gocv.PutText(img, "MOTION DETECTED", image.Pt(10, 30), gocv.FontHersheySimplex, 0.8, alertColor, 2)
	gocv.PutText(img, fmt.Sprintf("Area: %.0fpx", total), image.Pt(10, 60), gocv.FontHersheySimplex, 0.6, boxColor, 2)
}

func drawCorners(img *gocv.Mat, b image.Rectangle, n int) {
	if n <= 0 {
		return
	}
	corners := []struct{ p, dx, dy image.Point }{
		{b.Min, image.Pt(n, 0), image.Pt(0, n)},
		{image.Pt(b.Max.X, b.Min.Y), image.Pt(-n, 0), image.Pt(0, n)},
		{image.Pt(b.Min.X, b.Max.Y), image.Pt(n, 0), image.Pt(0, -n)},
		{b.Max, image.Pt(-n, 0), image.Pt(0, -n)},
	}
	for _, c := range corners {
		gocv.Line(img, c.p, c.p.Add(c.dx), boxColor, 3)
		gocv.Line(img, c.p, c.p.Add(c.dy), boxColor, 3)
	}
}

// drawHeatmap blends a colour-mapped mask into img and marks the centroid trail.
func (d *Detector) drawHeatmap(img *gocv.Mat, mask gocv.Mat) {
	if img.Channels() != 3 {
		return
	}
	colored := gocv.NewMat()
	defer colored.Close()
	gocv.ApplyColorMap(mask, &colored, gocv.ColormapJet)

	blended := gocv.NewMat()
	defer blended.Close()
	gocv.AddWeighted(*img, 0.7, colored, 0.3, 0, &blended)
	blended.CopyTo(img)

	for _, p := range d.trail {
		gocv.Circle(img, p, 2, trailColor, -1)
	}
}
