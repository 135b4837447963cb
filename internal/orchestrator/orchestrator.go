package orchestrator

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"

	"github.com/GriffinCanCode/watchtower/internal/config"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/alert"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/eventlog"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/motion"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/object"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/recording"
	"github.com/GriffinCanCode/watchtower/internal/trace"
)

var cooldownFrames = map[alert.Kind]int{
	alert.Motion: MotionCooldownFrames,
	alert.Noise:  NoiseCooldownFrames,
	alert.Person: PersonCooldownFrames,
}

var (
	overlayColor = color.RGBA{255, 255, 255, 0}
	noiseColor   = color.RGBA{0, 165, 255, 0}
)

// process runs one frame through every stage.
func (m *Manager) process(ctx context.Context, frame gocv.Mat, cfg config.PipelineConfig) {
	if frame.Empty() {
		return
	}
	now := m.opts.Now()
	m.tickCooldowns()

	mres := m.deps.Motion.Detect(frame, motion.Params{
		Threshold: cfg.MotionThreshold,
		MinArea:   float64(cfg.MotionMinArea),
		Heatmap:   cfg.HeatmapEnabled,
	})
	defer mres.Close()
	display := mres.Annotated

	people := -1 // unknown until a cadence frame is analysed
	if cfg.ObjectDetection && m.deps.Objects != nil {
		out := m.deps.Objects.Next(frame, cfg.ObjectDetectionInterval, cfg.ObjectConfidence)
		_ = out.Close()
		last := m.deps.Objects.Last()
		if len(last) > 0 {
			annotated := object.Annotate(display, last)
			defer annotated.Close()
			display = annotated
		}
		if out.Analysed {
			people = object.CountPeople(out.Detections)
		}
	}

	var noiseLevel float64
	noiseDetected := false
	if m.deps.Noise != nil {
		r := m.deps.Noise.Reading()
		noiseLevel, noiseDetected = r.Level, r.Detected
	}

	if mres.Detected {
		m.deps.Recorder.NoteActivity(recording.Motion, now)
		if m.fire(alert.Motion) {
			m.stats.Write(func(s *loopStats) { s.motionEvents++ })
			msg := fmt.Sprintf("Motion detected (area: %.0fpx)", mres.TotalArea)
			m.raise(ctx, cfg, alert.Motion, recording.Motion, display, frame, msg)
		}
	}
	if noiseDetected {
		m.deps.Recorder.NoteActivity(recording.Noise, now)
		if m.fire(alert.Noise) {
			m.stats.Write(func(s *loopStats) { s.noiseEvents++ })
			gocv.PutText(&display, NoiseLabel, image.Pt(10, 90), gocv.FontHersheySimplex, 0.7, noiseColor, 2)
			msg := fmt.Sprintf("Noise detected (level: %.2f)", noiseLevel)
			m.raise(ctx, cfg, alert.Noise, recording.Noise, display, frame, msg)
		}
	}
	if people > 0 && m.fire(alert.Person) {
		m.stats.Write(func(s *loopStats) { s.personEvents++ })
		msg := fmt.Sprintf("Person detected (%d)", people)
		m.raise(ctx, cfg, alert.Person, recording.Person, display, frame, msg)
	}

	m.manageSession(ctx, cfg, frame)
	if sum := m.deps.Recorder.WriteFrame(display); sum != nil {
		m.sessionClosed(sum)
	}

	overlay := display.Clone()
	defer overlay.Close()
	drawClock(&overlay, now)
	overlay.CopyTo(&m.display)

	m.updateStats(now, people, noiseLevel)
	m.publish(ctx, overlay)
}

func (m *Manager) tickCooldowns() {
	for k, n := range m.cooldowns {
		if n > 0 {
			m.cooldowns[k] = n - 1
		}
	}
}

// fire reports whether kind is outside its frame cooldown and restarts it.
func (m *Manager) fire(kind alert.Kind) bool {
	if m.cooldowns[kind] > 0 {
		return false
	}
	m.cooldowns[kind] = cooldownFrames[kind]
	return true
}

// raise logs an event and forwards it to the recorder and the alert queue.
func (m *Manager) raise(ctx context.Context, cfg config.PipelineConfig, kind alert.Kind, reason recording.Reason, display, frame gocv.Mat, msg string) {
	m.deps.Events.Add(eventlog.Alert, msg)

	started, err := m.deps.Recorder.Trigger(ctx, reason, frame, cfg)
	switch {
	case err != nil:
		trace.Logger(ctx).Warn("recording failed to start", "reason", reason, "error", err)
		m.deps.Events.Addf(eventlog.Warning, "Recording failed to start: %v", err)
	case started:
		m.sessionOpened()
	}

	if m.deps.Alerts == nil || !cfg.AlertsEnabled || !alertEnabled(kind, cfg) {
		return
	}
	snap, err := encodeJPEG(display)
	if err != nil {
		trace.Logger(ctx).Debug("alert snapshot encode failed", "error", err)
	}
	if m.deps.Alerts.Enqueue(kind, snap, msg) {
		m.deps.Events.Addf(eventlog.Info, "Alert queued: %s", kind)
	}
}

func alertEnabled(kind alert.Kind, cfg config.PipelineConfig) bool {
	switch kind {
	case alert.Motion:
		return cfg.AlertOnMotion
	case alert.Noise:
		return cfg.AlertOnNoise
	case alert.Person:
		return cfg.AlertOnPerson
	}
	return false
}

// manageSession handles continuous mode and the inactivity timeout.
func (m *Manager) manageSession(ctx context.Context, cfg config.PipelineConfig, frame gocv.Mat) {
	rec := m.deps.Recorder
	if cfg.ContinuousMode {
		if rec.State() == recording.Idle {
			if err := rec.StartContinuous(ctx, frame); err != nil {
				trace.Logger(ctx).Warn("continuous recording failed to start", "error", err)
			} else {
				m.sessionOpened()
			}
		}
	} else if sum := rec.StopContinuous(); sum != nil {
		m.sessionClosed(sum)
	}

	if sum := rec.CheckInactivity(cfg); sum != nil {
		m.sessionClosed(sum)
	}
}

func (m *Manager) sessionOpened() {
	s, ok := m.deps.Recorder.Session()
	if !ok {
		return
	}
	m.deps.Events.Addf(eventlog.Info, "Recording started (%s)", s.Reason)
}

func (m *Manager) sessionClosed(sum *recording.Summary) {
	m.recordings.Put(*sum)
	m.stats.Write(func(s *loopStats) { s.recordings++ })
	if sum.Failed() {
		m.deps.Events.Addf(eventlog.Warning, "Recording failed: %v", sum.Err)
		return
	}
	m.deps.Events.Addf(eventlog.Info, "Recording saved: %s (%.1fs)", sum.VideoPath, sum.Duration.Seconds())
}

func drawClock(img *gocv.Mat, now time.Time) {
	pt := image.Pt(10, img.Rows()-10)
	gocv.PutText(img, now.Format(OverlayTimeLayout), pt, gocv.FontHersheySimplex, 0.5, overlayColor, 1)
}

// publish pushes the frame to MJPEG viewers.
func (m *Manager) publish(ctx context.Context, frame gocv.Mat) {
	buf, err := encodeJPEG(frame)
	if err != nil {
		trace.Logger(ctx).Debug("live frame encode failed", "error", err)
		return
	}
	m.stream.UpdateJPEG(buf)
}

func encodeJPEG(frame gocv.Mat) ([]byte, error) {
	if frame.Empty() {
		return nil, nil
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
