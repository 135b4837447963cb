// Package audio captures microphone blocks through PortAudio and pushes them to a callback.
package audio

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/resilience"
)

// Status describes the health of the stream for one block.
type Status struct {
	Overflow bool // input samples were lost before this block
	At       time.Time
}

// BlockFunc receives one mono block. The slice is owned by the receiver.
type BlockFunc func(samples []float32, st Status)

// Source pushes fixed-size audio blocks to a callback on its own thread.
type Source interface {
	Start(ctx context.Context, onBlock BlockFunc) error
	Stop() error
	Device() string
}

// Capturer is a PortAudio microphone source.
type Capturer struct {
	sampleRate   int
	blockSize    int
	excludedDevs []string
	retry        resilience.RetryConfig

	mu      sync.Mutex
	stream  *portaudio.Stream
	device  string
	running bool

	overflows atomic.Int64
}

// NewCapturer creates a capturer delivering blockSize samples per callback.
func NewCapturer(sampleRate, blockSize int, excludedDevices []string) *Capturer {
	return &Capturer{
		sampleRate:   sampleRate,
		blockSize:    blockSize,
		excludedDevs: excludedDevices,
		retry:        micRetryConfig(),
	}
}

func micRetryConfig() resilience.RetryConfig {
	cfg := resilience.SensorRetryConfig()
	cfg.Op = "microphone open"
	return cfg
}

// Start opens the best input device and begins delivering blocks.
// Acquisition is retried a bounded number of times before giving up.
func (c *Capturer) Start(ctx context.Context, onBlock BlockFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return apperrors.Wrap(err, apperrors.SensorUnavailable, "portaudio init failed")
	}

	var stream *portaudio.Stream
	var dev *portaudio.DeviceInfo
	err := resilience.Retry(ctx, c.retry, func() error {
		var err error
		dev, err = c.selectDevice()
		if err != nil {
			return err
		}
		stream, err = c.open(dev, onBlock)
		return err
	})
	if err != nil {
		_ = portaudio.Terminate()
		return err
	}

	c.stream = stream
	c.device = dev.Name
	c.running = true
	slog.Info("started audio capture", "device", dev.Name, "sample_rate", c.sampleRate, "block", c.blockSize)
	return nil
}

func (c *Capturer) open(dev *portaudio.DeviceInfo, onBlock BlockFunc) (*portaudio.Stream, error) {
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.sampleRate),
		FramesPerBuffer: c.blockSize,
	}

	callback := func(in []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		st := Status{At: time.Now(), Overflow: flags&portaudio.InputOverflow != 0}
		if st.Overflow {
			c.overflows.Add(1)
		}
		// PortAudio reuses in after we return.
		onBlock(append([]float32(nil), in...), st)
	}

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.SensorUnavailable, "open stream on %s", dev.Name)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, apperrors.Wrapf(err, apperrors.SensorUnavailable, "start stream on %s", dev.Name)
	}
	return stream, nil
}

// selectDevice prefers a built-in microphone, then any microphone, then the host default.
func (c *Capturer) selectDevice() (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.SensorUnavailable, "list audio devices")
	}

	var best *portaudio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 || c.isExcluded(dev.Name) || !isMicrophone(dev.Name) {
			continue
		}
		if best == nil || preferDevice(dev.Name, best.Name) {
			best = dev
		}
	}
	if best != nil {
		return best, nil
	}

	def, err := portaudio.DefaultInputDevice()
	if err != nil || def == nil {
		return nil, apperrors.Wrap(err, apperrors.SensorUnavailable, "no audio input device")
	}
	return def, nil
}

// Stop halts the stream and releases PortAudio.
func (c *Capturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false

	var firstErr error
	if err := c.stream.Stop(); err != nil {
		firstErr = err
	}
	if err := c.stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.stream = nil
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	if n := c.overflows.Load(); n > 0 {
		slog.Warn("audio input overflowed during capture", "device", c.device, "blocks", n)
	}
	return firstErr
}

// Device returns the name of the open input device.
func (c *Capturer) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *Capturer) isExcluded(name string) bool {
	for _, ex := range c.excludedDevs {
		if containsIgnoreCase(name, ex) {
			return true
		}
	}
	return false
}

func isMicrophone(name string) bool {
	for _, kw := range []string{"microphone", "mic", "input", "built-in", "webcam", "usb audio"} {
		if containsIgnoreCase(name, kw) {
			return true
		}
	}
	return false
}

// preferDevice reports whether name beats current: camera-attached and built-in mics win.
func preferDevice(name, current string) bool {
	for _, p := range []string{"webcam", "built-in", "macbook"} {
		if containsIgnoreCase(name, p) && !containsIgnoreCase(current, p) {
			return true
		}
	}
	return false
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
