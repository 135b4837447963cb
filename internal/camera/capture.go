// Package camera provides the video frame source backed by an OpenCV capture device.
package camera

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/resilience"
)

// Source supplies successive BGR frames.
type Source interface {
	// Read fills dst with the next frame or returns a TRANSIENT_READ error.
	Read(dst *gocv.Mat) error
	Close() error
}

// Options configures a capture device.
type Options struct {
	Device      string // index ("0") or URL
	Width       int
	Height      int
	OpenTimeout time.Duration
	Retry       resilience.RetryConfig
}

// Capture wraps gocv.VideoCapture.
type Capture struct {
	device string
	mu     sync.Mutex
	vc     *gocv.VideoCapture
}

type openResult struct {
	vc  *gocv.VideoCapture
	err error
}

// Open acquires the device. Each attempt is bounded by OpenTimeout and the number of
// attempts by the retry policy, so a dead camera cannot stall startup.
func Open(ctx context.Context, opts Options) (*Capture, error) {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = resilience.SensorRetryConfig()
	}
	if opts.Retry.Op == "" {
		opts.Retry.Op = "camera open"
	}

	var vc *gocv.VideoCapture
	err := resilience.Retry(ctx, opts.Retry, func() error {
		var err error
		vc, err = openOnce(ctx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}

	if opts.Width > 0 && opts.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	}
	slog.Info("camera opened", "device", opts.Device,
		"width", vc.Get(gocv.VideoCaptureFrameWidth), "height", vc.Get(gocv.VideoCaptureFrameHeight))
	return &Capture{device: opts.Device, vc: vc}, nil
}

func openOnce(ctx context.Context, opts Options) (*gocv.VideoCapture, error) {
	done := make(chan openResult, 1)
	go func() {
		vc, err := gocv.OpenVideoCapture(parseDevice(opts.Device))
		if err == nil && !vc.IsOpened() {
			_ = vc.Close()
			vc, err = nil, apperrors.Newf(apperrors.SensorUnavailable, "camera %s not opened", opts.Device)
		}
		done <- openResult{vc: vc, err: err}
	}()

	timer := time.NewTimer(opts.OpenTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, apperrors.Wrapf(r.err, apperrors.SensorUnavailable, "open camera %s", opts.Device)
		}
		return r.vc, nil
	case <-timer.C:
		go releaseLate(done)
		return nil, apperrors.Newf(apperrors.SensorUnavailable, "camera %s did not open within %s", opts.Device, opts.OpenTimeout)
	case <-ctx.Done():
		go releaseLate(done)
		return nil, ctx.Err()
	}
}

// releaseLate closes a device whose open finished after we stopped waiting.
func releaseLate(done <-chan openResult) {
	if r := <-done; r.vc != nil {
		_ = r.vc.Close()
	}
}

// parseDevice turns "0" into a device index and leaves URLs and paths alone.
func parseDevice(device string) any {
	if id, err := strconv.Atoi(device); err == nil {
		return id
	}
	return device
}

// Read grabs the next frame into dst.
func (c *Capture) Read(dst *gocv.Mat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return apperrors.New(apperrors.SensorUnavailable, "camera closed")
	}
	if ok := c.vc.Read(dst); !ok || dst.Empty() {
		return apperrors.Newf(apperrors.TransientRead, "no frame from %s", c.device)
	}
	return nil
}

// Close releases the device. Safe to call twice.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	c.vc = nil
	return err
}
