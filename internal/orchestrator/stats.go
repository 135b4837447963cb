package orchestrator

import (
	"image"
	"time"

	"github.com/GriffinCanCode/watchtower/internal/orchestrator/alert"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/noise"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/object"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/recording"
	"github.com/GriffinCanCode/watchtower/internal/syncx"
)

// loopStats is written by the capture loop only.
type loopStats struct {
	started      time.Time
	frames       int64
	fps          float64
	motionEvents int64
	noiseEvents  int64
	personEvents int64
	people       int
	noiseLevel   float64
	readFailures int64
	recordings   int64
}

// Stats is the aggregate view published to the UI.
type Stats struct {
	Running          bool                   `json:"running"`
	UptimeSec        float64                `json:"uptime_sec"`
	Frames           int64                  `json:"frames"`
	FPS              float64                `json:"fps"`
	MotionEvents     int64                  `json:"motion_events"`
	NoiseEvents      int64                  `json:"noise_events"`
	PersonEvents     int64                  `json:"person_events"`
	PeopleCount      int                    `json:"people_count"`
	NoiseLevel       float64                `json:"noise_level"`
	AudioAvailable   bool                   `json:"audio_available"`
	ReadFailures     int64                  `json:"read_failures"`
	Recording        bool                   `json:"recording"`
	Session          *recording.Session     `json:"session,omitempty"`
	RecordingSeconds float64                `json:"recording_sec"`
	Recordings       int64                  `json:"recordings"`
	MotionPerMinute  float64                `json:"motion_per_minute"`
	Hotspots         []image.Point          `json:"hotspots,omitempty"`
	NoiseHistory     []float64              `json:"noise_history,omitempty"`
	Noise            *noise.Stats           `json:"noise,omitempty"`
	Objects          *object.SchedulerStats `json:"objects,omitempty"`
	Alerts           *alert.Stats           `json:"alerts,omitempty"`
}

// updateStats counts a processed frame and recomputes FPS once a second.
// people < 0 keeps the previous count.
func (m *Manager) updateStats(now time.Time, people int, noiseLevel float64) {
	if m.fpsStart.IsZero() {
		m.fpsStart = now
	} else {
		m.fpsFrames++
	}
	elapsed := now.Sub(m.fpsStart)
	recompute := elapsed >= time.Second
	frames := m.fpsFrames
	if recompute {
		m.fpsStart, m.fpsFrames = now, 0
	}

	m.stats.Write(func(s *loopStats) {
		s.frames++
		s.noiseLevel = noiseLevel
		if people >= 0 {
			s.people = people
		}
		if recompute {
			s.fps = float64(frames) / elapsed.Seconds()
		}
	})
}

// Stats assembles a consistent snapshot for external readers.
func (m *Manager) Stats() Stats {
	now := m.opts.Now()
	out := syncx.View(m.stats, func(s loopStats) Stats {
		st := Stats{
			Frames:       s.frames,
			FPS:          s.fps,
			MotionEvents: s.motionEvents,
			NoiseEvents:  s.noiseEvents,
			PersonEvents: s.personEvents,
			PeopleCount:  s.people,
			NoiseLevel:   s.noiseLevel,
			ReadFailures: s.readFailures,
			Recordings:   s.recordings,
		}
		if !s.started.IsZero() {
			st.UptimeSec = now.Sub(s.started).Seconds()
		}
		return st
	})

	out.Running = m.running.Load()
	out.MotionPerMinute = m.deps.Motion.Frequency(time.Minute) * 60
	out.Hotspots = m.deps.Motion.Hotspots()
	if m.deps.Noise != nil {
		out.AudioAvailable = m.deps.Noise.Available()
		ns := m.deps.Noise.Stats()
		out.Noise = &ns
		for _, r := range m.deps.Noise.Recent() {
			out.NoiseHistory = append(out.NoiseHistory, r.Level)
		}
	}
	if s, ok := m.deps.Recorder.Session(); ok {
		out.Recording = true
		out.Session = &s
		out.RecordingSeconds = now.Sub(s.Start).Seconds()
	}
	if m.deps.Objects != nil {
		obj := m.deps.Objects.Stats()
		out.Objects = &obj
	}
	if m.deps.Alerts != nil {
		as := m.deps.Alerts.Stats()
		out.Alerts = &as
	}
	return out
}
