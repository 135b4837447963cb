package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hybridgroup/mjpeg"
	"gocv.io/x/gocv"

	"github.com/GriffinCanCode/watchtower/internal/camera"
	"github.com/GriffinCanCode/watchtower/internal/config"
	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/alert"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/eventlog"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/motion"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/noise"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/object"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/recording"
	"github.com/GriffinCanCode/watchtower/internal/syncx"
	"github.com/GriffinCanCode/watchtower/internal/trace"
)

// Settings is the live tuning source. *config.Store satisfies it.
type Settings interface {
	Snapshot() config.PipelineConfig
	Update(fn func(*config.PipelineConfig)) (config.PipelineConfig, error)
}

// Deps are the pipeline stages. Camera, Settings and Recorder are required;
// a nil Noise, Objects or Alerts disables that stage.
type Deps struct {
	Camera   camera.Source
	Settings Settings
	Motion   *motion.Detector
	Noise    *noise.Detector
	Objects  *object.Scheduler
	Recorder *recording.Controller
	Alerts   *alert.Dispatcher
	Events   *eventlog.Log
}

// Options tunes the loop.
type Options struct {
	SnapshotDir     string
	MaxReadFailures int
	ReadRetryDelay  time.Duration
	CommandTimeout  time.Duration
	StopTimeout     time.Duration
	AlertGrace      time.Duration
	Now             func() time.Time
}

// command runs on the capture goroutine with the latest display frame.
type command func(ctx context.Context, frame gocv.Mat)

// Manager owns the capture loop. Detectors and the recorder are only driven
// from the loop goroutine; everything else talks to it through commands or
// reads published snapshots.
type Manager struct {
	deps Deps
	opts Options

	stream     *mjpeg.Stream
	stats      *syncx.Guard[loopStats]
	recordings *syncx.Ring[recording.Summary]

	cmds    chan command
	running atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
	release sync.Once

	// loop-owned state
	display   gocv.Mat
	frameNo   int64
	cooldowns map[alert.Kind]int
	fpsStart  time.Time
	fpsFrames int
}

// New wires the stages together.
func New(deps Deps, opts Options) (*Manager, error) {
	switch {
	case deps.Camera == nil:
		return nil, apperrors.New(apperrors.InvalidArgument, "orchestrator needs a camera")
	case deps.Settings == nil:
		return nil, apperrors.New(apperrors.InvalidArgument, "orchestrator needs settings")
	case deps.Recorder == nil:
		return nil, apperrors.New(apperrors.InvalidArgument, "orchestrator needs a recorder")
	}
	if deps.Motion == nil {
		deps.Motion = motion.New(motion.DefaultOptions())
	}
	if deps.Events == nil {
		deps.Events = eventlog.New(EventLogEntries, EventLogBuffer)
	}
	if opts.MaxReadFailures <= 0 {
		opts.MaxReadFailures = DefaultMaxReadFailures
	}
	if opts.ReadRetryDelay <= 0 {
		opts.ReadRetryDelay = DefaultReadRetryDelay
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.AlertGrace <= 0 {
		opts.AlertGrace = alert.DefaultGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		deps:       deps,
		opts:       opts,
		stream:     mjpeg.NewStream(),
		stats:      syncx.NewGuard(loopStats{}),
		recordings: syncx.NewRing[recording.Summary](RecentRecordings),
		cmds:       make(chan command, CommandBuffer),
		done:       make(chan struct{}),
		display:    gocv.NewMat(),
		cooldowns:  make(map[alert.Kind]int),
	}, nil
}

// Start brings up the secondary sensors and the alert worker. A missing
// microphone degrades the pipeline to video only.
func (m *Manager) Start(ctx context.Context) error {
	log := trace.Logger(ctx)
	cfg := m.deps.Settings.Snapshot()
	m.apply(cfg)

	if m.deps.Noise != nil {
		if err := m.deps.Noise.Start(ctx); err != nil {
			log.Warn("audio unavailable, continuing with video only", "error", err)
			m.deps.Events.Add(eventlog.Warning, "Audio unavailable, noise detection off")
		}
	}
	if m.deps.Alerts != nil {
		m.deps.Alerts.Start()
	}

	now := m.opts.Now()
	m.stats.Write(func(s *loopStats) { s.started = now })
	m.deps.Events.Add(eventlog.Info, "Surveillance started")
	log.Info("pipeline started",
		"motion_threshold", cfg.MotionThreshold,
		"noise_threshold", cfg.NoiseThreshold,
		"continuous", cfg.ContinuousMode,
	)
	return nil
}

// Run is the capture loop. It returns nil when ctx is cancelled or Stop is
// called, and a SENSOR_UNAVAILABLE error once the camera has failed
// MaxReadFailures times in a row.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.cancel != nil {
		m.mu.Unlock()
		return apperrors.New(apperrors.Unavailable, "pipeline already ran")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.running.Store(true)
	defer func() {
		m.running.Store(false)
		cancel()
		m.releaseLoop()
		close(m.done)
	}()

	log := trace.Logger(ctx)
	frame := gocv.NewMat()
	defer frame.Close()

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		m.serveCommands(ctx)

		cfg := m.deps.Settings.Snapshot()
		if err := m.deps.Camera.Read(&frame); err != nil {
			failures++
			m.stats.Write(func(s *loopStats) { s.readFailures++ })
			if failures >= m.opts.MaxReadFailures {
				log.Error("camera lost", "consecutive_failures", failures, "error", err)
				m.deps.Events.Add(eventlog.Alert, "Camera lost, capture stopped")
				return apperrors.Wrap(err, apperrors.SensorUnavailable, "camera stopped delivering frames").
					WithMetadata("failures", fmt.Sprint(failures))
			}
			log.Debug("frame read failed", "consecutive_failures", failures, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.opts.ReadRetryDelay):
			}
			continue
		}
		failures = 0
		if ctx.Err() != nil {
			return nil
		}

		m.frameNo++
		if cfg.FrameSkip > 1 && m.frameNo%int64(cfg.FrameSkip) != 0 {
			continue
		}
		m.process(ctx, frame, cfg)
	}
}

// Stop shuts the pipeline down in order: loop, audio, open session, alert
// worker, then the camera. Every wait is bounded. Stages the loop drives are
// released by whichever of Stop and Run finishes last.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	log := trace.Logger(context.Background())
	loopDone := true
	if cancel != nil {
		cancel()
		select {
		case <-m.done:
		case <-time.After(m.opts.StopTimeout):
			loopDone = false
			log.Warn("capture loop did not exit in time, leaving its stages to it", "timeout", m.opts.StopTimeout)
		}
	}

	if m.deps.Noise != nil {
		if err := m.deps.Noise.Stop(); err != nil {
			log.Warn("audio stop failed", "error", err)
		}
	}
	if sum := m.deps.Recorder.Close(); sum != nil {
		m.sessionClosed(sum)
	}
	if m.deps.Alerts != nil && !m.deps.Alerts.Stop(m.opts.AlertGrace) {
		log.Warn("alert queue abandoned at shutdown", "grace", m.opts.AlertGrace)
	}

	if err := m.deps.Camera.Close(); err != nil {
		log.Warn("camera close failed", "error", err)
	}
	if loopDone {
		m.releaseLoop()
	}

	m.deps.Events.Add(eventlog.Info, "Surveillance stopped")
	log.Info("pipeline stopped")
}

// releaseLoop frees the stages only the loop goroutine touches.
func (m *Manager) releaseLoop() {
	m.release.Do(func() {
		if m.deps.Objects != nil {
			_ = m.deps.Objects.Close()
		}
		_ = m.deps.Motion.Close()
		_ = m.display.Close()
	})
}

// apply pushes settings into the stages that keep their own copy.
func (m *Manager) apply(cfg config.PipelineConfig) {
	if m.deps.Noise != nil {
		m.deps.Noise.SetThreshold(cfg.NoiseThreshold)
	}
	if m.deps.Alerts != nil {
		m.deps.Alerts.SetEnabled(cfg.AlertsEnabled)
		m.deps.Alerts.SetCooldown(cfg.AlertCooldown())
	}
}

type result[T any] struct {
	val T
	err error
}

// call runs fn on the capture goroutine and waits for its answer, giving up
// after CommandTimeout.
func call[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, frame gocv.Mat) (T, error)) (T, error) {
	var zero T
	if !m.running.Load() {
		return zero, apperrors.New(apperrors.Unavailable, "pipeline is not running")
	}

	reply := make(chan result[T], 1)
	cmd := func(ctx context.Context, frame gocv.Mat) {
		v, err := fn(ctx, frame)
		reply <- result[T]{v, err}
	}

	timer := time.NewTimer(m.opts.CommandTimeout)
	defer timer.Stop()

	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return zero, apperrors.Wrap(ctx.Err(), apperrors.Cancelled, "command cancelled")
	case <-m.done:
		return zero, apperrors.New(apperrors.Unavailable, "pipeline stopped")
	case <-timer.C:
		return zero, apperrors.New(apperrors.Timeout, "command queue full")
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, apperrors.Wrap(ctx.Err(), apperrors.Cancelled, "command cancelled")
	case <-m.done:
		return zero, apperrors.New(apperrors.Unavailable, "pipeline stopped")
	case <-timer.C:
		return zero, apperrors.New(apperrors.Timeout, "pipeline did not answer")
	}
}

func (m *Manager) serveCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-m.cmds:
			cmd(ctx, m.display)
		default:
			return
		}
	}
}

// ToggleRecording starts a manual session or stops the current one. It
// reports whether a session is open afterwards.
func (m *Manager) ToggleRecording(ctx context.Context) (bool, error) {
	return call(ctx, m, func(ctx context.Context, frame gocv.Mat) (bool, error) {
		sum, err := m.deps.Recorder.Toggle(ctx, frame)
		if err != nil {
			m.deps.Events.Addf(eventlog.Warning, "Recording failed to start: %v", err)
			return false, err
		}
		if sum != nil {
			m.sessionClosed(sum)
			return false, nil
		}
		m.sessionOpened()
		return true, nil
	})
}

// Snapshot writes the current display frame as a JPEG and returns its path.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	return call(ctx, m, func(ctx context.Context, frame gocv.Mat) (string, error) {
		if frame.Empty() {
			return "", apperrors.New(apperrors.NotFound, "no frame captured yet")
		}
		if err := os.MkdirAll(m.opts.SnapshotDir, 0o755); err != nil {
			return "", apperrors.Wrapf(err, apperrors.ResourceWrite, "create snapshot dir %s", m.opts.SnapshotDir)
		}
		name := fmt.Sprintf("snapshot_%s.jpg", m.opts.Now().Format(SnapshotLayout))
		path := filepath.Join(m.opts.SnapshotDir, name)
		if !gocv.IMWrite(path, frame) {
			return "", apperrors.Newf(apperrors.ResourceWrite, "write snapshot %s", path)
		}
		trace.Logger(ctx).Info("snapshot saved", "path", path)
		m.deps.Events.Addf(eventlog.Info, "Snapshot saved: %s", name)
		return path, nil
	})
}

// ResetBackground drops the motion reference so the next frame becomes the
// new background, e.g. after the camera was moved.
func (m *Manager) ResetBackground(ctx context.Context) error {
	_, err := call(ctx, m, func(ctx context.Context, _ gocv.Mat) (struct{}, error) {
		m.deps.Motion.Reset()
		trace.Logger(ctx).Info("motion background reset")
		m.deps.Events.Add(eventlog.Info, "Motion background reset")
		return struct{}{}, nil
	})
	return err
}

// UpdateConfig validates and publishes a settings change. The loop picks it
// up at the top of its next frame.
func (m *Manager) UpdateConfig(fn func(*config.PipelineConfig)) (config.PipelineConfig, error) {
	cfg, err := m.deps.Settings.Update(fn)
	if err != nil {
		return cfg, err
	}
	m.apply(cfg)
	m.deps.Events.Add(eventlog.Info, "Settings updated")
	return cfg, nil
}

// Config returns the current settings.
func (m *Manager) Config() config.PipelineConfig {
	return m.deps.Settings.Snapshot()
}

// TestAlert sends a test notification, bypassing the cooldown.
func (m *Manager) TestAlert(ctx context.Context) error {
	if m.deps.Alerts == nil {
		return apperrors.New(apperrors.Unavailable, "alerts are not configured")
	}
	if err := m.deps.Alerts.Test(ctx); err != nil {
		m.deps.Events.Addf(eventlog.Warning, "Test alert failed: %v", err)
		return err
	}
	m.deps.Events.Add(eventlog.Info, "Test alert sent")
	return nil
}

// Frames is the live annotated MJPEG feed.
func (m *Manager) Frames() *mjpeg.Stream { return m.stream }

// Events streams new event log lines.
func (m *Manager) Events() <-chan eventlog.Entry { return m.deps.Events.Events() }

// RecentEvents returns up to n of the newest log lines, oldest first.
func (m *Manager) RecentEvents(n int) []eventlog.Entry { return m.deps.Events.Recent(n) }

// ClearEvents empties the event log.
func (m *Manager) ClearEvents() { m.deps.Events.Clear() }

// Recordings returns recently closed sessions, oldest first.
func (m *Manager) Recordings() []recording.Summary { return m.recordings.Snapshot() }

// Running reports whether the capture loop is active.
func (m *Manager) Running() bool { return m.running.Load() }
