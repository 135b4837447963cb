package noise

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/GriffinCanCode/watchtower/internal/audio"
	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/syncx"
)

// Reading is the level and verdict for one block, published as a unit.
type Reading struct {
	Level    float64
	Detected bool
	At       time.Time
}

// Block is a copy of raw samples kept for recording.
type Block struct {
	Samples []float32
	Level   float64
	At      time.Time
}

// Options configures a detector.
type Options struct {
	Threshold   float64
	CaptureSize int // max blocks held between BeginCapture and EndCapture
	RecentSize  int
}

// Detector consumes audio blocks on the source's thread. The level display reads a
// lossy ring; recording drains a separate accumulator, so neither steals from the other.
type Detector struct {
	src audio.Source
	now func() time.Time

	threshold atomic.Uint64 // float64 bits
	reading   atomic.Pointer[Reading]
	available atomic.Bool
	events    atomic.Int64
	overflows atomic.Int64
	blocks    atomic.Int64

	recent *syncx.Ring[Reading]

	capMu     sync.Mutex
	capturing bool
	captured  []Block
	capSize   int
	dropped   int64
}

// New creates a detector over src. src may be nil, leaving the detector unavailable.
func New(src audio.Source, opts Options) *Detector {
	if opts.CaptureSize <= 0 {
		opts.CaptureSize = MaxCaptureBlocks
	}
	if opts.RecentSize <= 0 {
		opts.RecentSize = RecentReadings
	}
	d := &Detector{
		src:     src,
		now:     time.Now,
		recent:  syncx.NewRing[Reading](opts.RecentSize),
		capSize: opts.CaptureSize,
	}
	d.SetThreshold(opts.Threshold)
	d.reading.Store(&Reading{})
	return d
}

// Start begins listening. On failure the detector stays unavailable and the
// caller carries on without noise detection.
func (d *Detector) Start(ctx context.Context) error {
	if d.src == nil {
		return apperrors.New(apperrors.SensorUnavailable, "no audio source configured")
	}
	if err := d.src.Start(ctx, d.onStream); err != nil {
		d.available.Store(false)
		slog.Warn("noise detection disabled", "error", err)
		return err
	}
	d.available.Store(true)
	slog.Info("noise detection listening", "device", d.src.Device(), "threshold", d.Threshold())
	return nil
}

// Stop stops listening. Safe to call when never started.
func (d *Detector) Stop() error {
	if d.src == nil || !d.available.Swap(false) {
		return nil
	}
	return d.src.Stop()
}

// Available reports whether a live audio stream feeds the detector.
func (d *Detector) Available() bool { return d.available.Load() }

func (d *Detector) onStream(samples []float32, st audio.Status) {
	if st.Overflow {
		d.overflows.Add(1)
	}
	d.OnBlock(samples)
}

// OnBlock processes one block. The flag follows the block exactly: above the
// threshold is detected, anything else is not. samples is copied before it is kept.
func (d *Detector) OnBlock(samples []float32) Reading {
	level := Loudness(samples)
	r := Reading{Level: level, Detected: level > d.Threshold(), At: d.now()}

	if prev := d.reading.Swap(&r); r.Detected && !prev.Detected {
		d.events.Add(1)
	}
	d.recent.Put(r)
	d.blocks.Add(1)

	d.capMu.Lock()
	if d.capturing {
		if len(d.captured) >= d.capSize {
			d.captured = append(d.captured[:0], d.captured[1:]...)
			d.dropped++
		}
		d.captured = append(d.captured, Block{
			Samples: append([]float32(nil), samples...),
			Level:   level,
			At:      r.At,
		})
	}
	d.capMu.Unlock()
	return r
}

// Loudness is the scaled L2 norm of the block.
func Loudness(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	buf := make([]float64, len(samples))
	for i, s := range samples {
		buf[i] = float64(s)
	}
	return floats.Norm(buf, 2) * LoudnessGain
}

// Reading returns the latest level and flag as one snapshot.
func (d *Detector) Reading() Reading { return *d.reading.Load() }

// Level returns the latest loudness.
func (d *Detector) Level() float64 { return d.reading.Load().Level }

// Detected reports the flag of the latest block.
func (d *Detector) Detected() bool { return d.reading.Load().Detected }

// Recent returns the latest readings, oldest first.
func (d *Detector) Recent() []Reading { return d.recent.Snapshot() }

// Threshold returns the current detection threshold.
func (d *Detector) Threshold() float64 {
	return math.Float64frombits(d.threshold.Load())
}

// SetThreshold changes the threshold for subsequent blocks.
func (d *Detector) SetThreshold(v float64) {
	d.threshold.Store(math.Float64bits(v))
}

// Events returns the number of quiet-to-loud transitions.
func (d *Detector) Events() int64 { return d.events.Load() }

// Stats for the status feed.
type Stats struct {
	Blocks    int64 `json:"blocks"`
	Events    int64 `json:"events"`
	Overflows int64 `json:"overflows"`
	Dropped   int64 `json:"dropped"`
}

// Stats returns the running counters.
func (d *Detector) Stats() Stats {
	d.capMu.Lock()
	dropped := d.dropped
	d.capMu.Unlock()
	return Stats{
		Blocks:    d.blocks.Load(),
		Events:    d.events.Load(),
		Overflows: d.overflows.Load(),
		Dropped:   dropped,
	}
}

// BeginCapture starts accumulating blocks for a recording, discarding anything older.
func (d *Detector) BeginCapture() {
	d.capMu.Lock()
	d.capturing = true
	d.captured = d.captured[:0]
	d.capMu.Unlock()
}

// Drain hands over the blocks accumulated since the last drain.
func (d *Detector) Drain() []Block {
	d.capMu.Lock()
	defer d.capMu.Unlock()
	if len(d.captured) == 0 {
		return nil
	}
	out := d.captured
	d.captured = make([]Block, 0, len(out))
	return out
}

// EndCapture stops accumulating and returns whatever was not drained yet.
func (d *Detector) EndCapture() []Block {
	d.capMu.Lock()
	defer d.capMu.Unlock()
	d.capturing = false
	out := d.captured
	d.captured = nil
	return out
}

// Capturing reports whether a recording is accumulating blocks.
func (d *Detector) Capturing() bool {
	d.capMu.Lock()
	defer d.capMu.Unlock()
	return d.capturing
}
