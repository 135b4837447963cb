package object

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"
)

type fakeDetector struct {
	dets  []Detection
	err   error
	panic bool
	calls int
}

func (f *fakeDetector) Detect(frame gocv.Mat, minConfidence float64) ([]Detection, gocv.Mat, error) {
	f.calls++
	if f.panic {
		panic("forward failed")
	}
	if f.err != nil {
		return nil, gocv.NewMat(), f.err
	}
	dets := filterConfidence(append([]Detection(nil), f.dets...), minConfidence)
	return dets, Annotate(frame, dets), nil
}

func (f *fakeDetector) Name() string { return "fake" }
func (f *fakeDetector) Close() error { return nil }

func solid(t *testing.T, v float64) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	m.SetTo(gocv.NewScalar(v, v, v, 0))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCountPeople(t *testing.T) {
	dets := []Detection{
		{Label: "person", Confidence: 0.9},
		{Label: "dog", Confidence: 0.8},
		{Label: "person", Confidence: 0.6},
	}
	if got := CountPeople(dets); got != 2 {
		t.Errorf("CountPeople = %d, want 2", got)
	}
	if got := CountPeople(nil); got != 0 {
		t.Errorf("CountPeople(nil) = %d, want 0", got)
	}
}

func TestSafeIsolatesErrors(t *testing.T) {
	frame := solid(t, 0)

	tests := []struct {
		name string
		det  Detector
	}{
		{"error", &fakeDetector{err: errors.New("boom")}},
		{"panic", &fakeDetector{panic: true}},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets, annotated := Safe(tt.det, frame, 0.5)
			defer annotated.Close()
			if len(dets) != 0 {
				t.Errorf("dets = %v, want none", dets)
			}
			if annotated.Empty() {
				t.Error("Safe should still return a displayable frame")
			}
		})
	}
}

func TestSafeFiltersConfidence(t *testing.T) {
	f := &fakeDetector{dets: []Detection{
		{Label: "person", Confidence: 0.4, Box: image.Rect(0, 0, 10, 10)},
		{Label: "person", Confidence: 0.7, Box: image.Rect(20, 20, 40, 40)},
	}}
	dets, annotated := Safe(f, solid(t, 0), 0.5)
	defer annotated.Close()
	if len(dets) != 1 || dets[0].Confidence != 0.7 {
		t.Errorf("dets = %v, want only the 0.7 detection", dets)
	}
}

func TestParseSSD(t *testing.T) {
	data := []float32{
		0, 15, 0.9, 0.1, 0.1, 0.5, 0.5, // person
		0, 12, 0.3, 0.0, 0.0, 0.2, 0.2, // dog, under threshold
		0, 0, 0.99, 0.0, 0.0, 1.0, 1.0, // background
		0, 7, 0.8, 0.9, 0.9, 1.4, 1.4, // car, clipped
		0, 42, 0.9, 0.1, 0.1, 0.2, 0.2, // unknown class
	}
	dets := parseSSD(data, 200, 100, 0.5)
	if len(dets) != 2 {
		t.Fatalf("len(dets) = %d, want 2: %v", len(dets), dets)
	}
	if dets[0].Label != "person" || dets[0].Box != image.Rect(20, 10, 100, 50) {
		t.Errorf("dets[0] = %+v", dets[0])
	}
	if dets[1].Label != "car" || dets[1].Box != image.Rect(180, 90, 200, 100) {
		t.Errorf("dets[1] = %+v, want box clipped to frame", dets[1])
	}
}

func TestParseSSDTruncated(t *testing.T) {
	if dets := parseSSD([]float32{0, 15, 0.9}, 100, 100, 0.1); len(dets) != 0 {
		t.Errorf("truncated tensor gave %v", dets)
	}
}

func TestNewFallsBackToHOG(t *testing.T) {
	d := New(Options{ModelDir: t.TempDir()})
	defer d.Close()
	if d.Name() != "hog" {
		t.Errorf("Name() = %q, want hog", d.Name())
	}
}

func TestNewFallsBackOnBadModel(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{PrototxtFile, ModelFile} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("not a model"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	d := New(Options{ModelDir: dir})
	defer d.Close()
	if d.Name() != "hog" {
		t.Errorf("Name() = %q, want hog after a failed load", d.Name())
	}
}

func TestNewUsesDNNWhenAvailable(t *testing.T) {
	dir := os.Getenv("WATCHTOWER_MODEL_DIR")
	if dir == "" {
		t.Skip("WATCHTOWER_MODEL_DIR not set")
	}
	d := New(Options{ModelDir: dir})
	defer d.Close()
	if d.Name() != "dnn" {
		t.Errorf("Name() = %q, want dnn", d.Name())
	}
}

func TestHOGBlankFrame(t *testing.T) {
	h := NewHOG()
	defer h.Close()

	dets, annotated, err := h.Detect(solid(t, 0), 0.5)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	defer annotated.Close()
	if len(dets) != 0 {
		t.Errorf("blank frame produced %d detections", len(dets))
	}
}

func TestHOGEmptyFrame(t *testing.T) {
	h := NewHOG()
	defer h.Close()

	empty := gocv.NewMat()
	defer empty.Close()
	_, annotated, err := h.Detect(empty, 0.5)
	defer annotated.Close()
	if err == nil {
		t.Error("empty frame should be an error")
	}
}

func TestSchedulerCadence(t *testing.T) {
	f := &fakeDetector{}
	s := NewScheduler(f, -1)
	frame := solid(t, 0)

	var analysed []int
	for i := 1; i <= 9; i++ {
		out := s.Next(frame, 3, 0.5)
		if out.Analysed {
			analysed = append(analysed, i)
		}
		out.Close()
	}
	if len(analysed) != 3 || analysed[0] != 3 || analysed[2] != 9 {
		t.Errorf("analysed frames = %v, want [3 6 9]", analysed)
	}
	if f.calls != 3 {
		t.Errorf("detector calls = %d, want 3", f.calls)
	}
}

func TestSchedulerReusesSimilarFrames(t *testing.T) {
	f := &fakeDetector{dets: []Detection{{Label: "person", Confidence: 0.9, Box: image.Rect(10, 10, 50, 50)}}}
	s := NewScheduler(f, MaxHashDistance)

	frame := solid(t, 40)
	for i := 0; i < 3; i++ {
		out := s.Next(frame, 1, 0.5)
		if CountPeople(out.Detections) != 1 {
			t.Errorf("frame %d: people = %d, want 1", i, CountPeople(out.Detections))
		}
		if want := i > 0; out.Reused != want {
			t.Errorf("frame %d: Reused = %v, want %v", i, out.Reused, want)
		}
		out.Close()
	}
	if f.calls != 1 {
		t.Errorf("detector calls = %d, want 1", f.calls)
	}

	st := s.Stats()
	if st.Runs != 1 || st.Reused != 2 || st.Detector != "fake" {
		t.Errorf("Stats() = %+v", st)
	}
	if len(s.Last()) != 1 {
		t.Errorf("Last() = %v", s.Last())
	}
}

func TestSchedulerRerunsChangedFrames(t *testing.T) {
	f := &fakeDetector{}
	s := NewScheduler(f, MaxHashDistance)

	a := noise(t)
	b := noise(t)

	for _, frame := range []gocv.Mat{a, b, a} {
		out := s.Next(frame, 1, 0.5)
		out.Close()
	}
	if f.calls != 3 {
		t.Errorf("detector calls = %d, want 3 for alternating frames", f.calls)
	}
}

func TestAnnotateLeavesInputUntouched(t *testing.T) {
	frame := solid(t, 0)
	out := Annotate(frame, []Detection{{Label: "person", Confidence: 1, Box: image.Rect(10, 10, 60, 60)}})
	defer out.Close()

	if gocv.CountNonZero(channel0(t, frame)) != 0 {
		t.Error("Annotate drew on the input frame")
	}
	if gocv.CountNonZero(channel1(t, out)) == 0 {
		t.Error("Annotate produced an empty overlay")
	}
}

func noise(t *testing.T) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	gocv.RandU(&m, gocv.NewScalar(0, 0, 0, 0), gocv.NewScalar(255, 255, 255, 0))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func channel0(t *testing.T, m gocv.Mat) gocv.Mat { return channel(t, m, 0) }
func channel1(t *testing.T, m gocv.Mat) gocv.Mat { return channel(t, m, 1) }

func channel(t *testing.T, m gocv.Mat, i int) gocv.Mat {
	t.Helper()
	chans := gocv.Split(m)
	for j := range chans {
		if j != i {
			chans[j].Close()
		}
	}
	t.Cleanup(func() { _ = chans[i].Close() })
	return chans[i]
}
