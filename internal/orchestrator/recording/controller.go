package recording

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/GriffinCanCode/watchtower/internal/config"
	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/noise"
	"github.com/GriffinCanCode/watchtower/internal/trace"
)

// Reason is why a session was opened.
type Reason string

const (
	Motion     Reason = "motion"
	Noise      Reason = "noise"
	Person     Reason = "person"
	Manual     Reason = "manual"
	Continuous Reason = "continuous"
)

// eventDriven sessions are closed by the inactivity timeout.
func (r Reason) eventDriven() bool {
	return r == Motion || r == Noise || r == Person
}

// State of the controller.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// Session describes the open recording.
type Session struct {
	ID        string    `json:"id"`
	Reason    Reason    `json:"reason"`
	Start     time.Time `json:"start"`
	VideoPath string    `json:"video_path"`
	AudioPath string    `json:"audio_path,omitempty"`
}

// Summary is reported when a session closes.
type Summary struct {
	Session
	Duration    time.Duration `json:"duration"`
	Frames      int           `json:"frames"`
	AudioBlocks int           `json:"audio_blocks"`
	Err         error         `json:"-"`
}

// Failed reports whether the session was abandoned on a write error.
func (s *Summary) Failed() bool { return s.Err != nil }

// AudioFeed supplies raw audio captured while a session is open.
type AudioFeed interface {
	BeginCapture()
	Drain() []noise.Block
	EndCapture() []noise.Block
}

// Options configures a controller.
type Options struct {
	Dir        string
	FPS        float64
	Codec      string
	SampleRate int // 0 disables audio files
	Audio      AudioFeed
	OpenVideo  VideoOpener
	OpenAudio  AudioOpener
	Now        func() time.Time
}

// Controller is the Idle/Recording state machine. A writer is open exactly
// when a session exists. All methods are safe for concurrent use, though in
// practice only the capture loop calls them.
type Controller struct {
	opts Options

	mu         sync.Mutex
	session    *Session
	video      VideoWriter
	audio      AudioWriter
	frames     int
	blocks     int
	lastMotion time.Time
	lastNoise  time.Time
	ctx        context.Context
	span       *trace.Span
}

// NewController creates an idle controller.
func NewController(opts Options) *Controller {
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.Codec == "" {
		opts.Codec = DefaultCodec
	}
	if opts.OpenVideo == nil {
		opts.OpenVideo = OpenVideoFile
	}
	if opts.OpenAudio == nil {
		opts.OpenAudio = OpenWAVFile
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{opts: opts}
}

// State returns Idle or Recording.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return Recording
	}
	return Idle
}

// Session returns the open session, if any.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// NoteActivity records a motion or noise event for the inactivity timeout.
// Other kinds are ignored: person detections do not keep a session open.
func (c *Controller) NoteActivity(kind Reason, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noteLocked(kind, t)
}

func (c *Controller) noteLocked(kind Reason, t time.Time) {
	switch kind {
	case Motion:
		c.lastMotion = t
	case Noise:
		c.lastNoise = t
	}
}

// Trigger reports a detector event. It opens a session when the matching
// record flag is on, continuous mode is off and nothing is recording yet.
// An active session is never replaced and keeps its original reason.
func (c *Controller) Trigger(ctx context.Context, reason Reason, frame gocv.Mat, cfg config.PipelineConfig) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.noteLocked(reason, c.opts.Now())
	if c.session != nil || cfg.ContinuousMode || !recordEnabled(reason, cfg) {
		return false, nil
	}
	if err := c.startLocked(ctx, reason, frame); err != nil {
		return false, err
	}
	return true, nil
}

func recordEnabled(reason Reason, cfg config.PipelineConfig) bool {
	switch reason {
	case Motion:
		return cfg.RecordOnMotion
	case Noise:
		return cfg.RecordOnNoise
	case Person:
		return cfg.RecordOnPerson
	}
	return false
}

// Toggle starts a manual session when idle or stops whatever is recording.
// The summary is non-nil only when a session was closed.
func (c *Controller) Toggle(ctx context.Context, frame gocv.Mat) (*Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return c.stopLocked(nil), nil
	}
	return nil, c.startLocked(ctx, Manual, frame)
}

// StartContinuous opens a continuous session unless one is already open.
func (c *Controller) StartContinuous(ctx context.Context, frame gocv.Mat) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return nil
	}
	return c.startLocked(ctx, Continuous, frame)
}

// StopContinuous closes the session if it was opened by continuous mode.
func (c *Controller) StopContinuous() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.Reason != Continuous {
		return nil
	}
	return c.stopLocked(nil)
}

// CheckInactivity closes an event-driven session once both the last motion and
// the last noise event are older than the timeout. The session start counts as
// activity, so a fresh session always lives at least one timeout.
func (c *Controller) CheckInactivity(cfg config.PipelineConfig) *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || !c.session.Reason.eventDriven() {
		return nil
	}
	timeout := cfg.InactivityTimeout()
	now := c.opts.Now()
	start := c.session.Start
	if now.Sub(latest(c.lastMotion, start)) <= timeout || now.Sub(latest(c.lastNoise, start)) <= timeout {
		return nil
	}
	return c.stopLocked(nil)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// WriteFrame appends frame, stamped with the session reason and elapsed time,
// then any audio captured since the previous frame. A failed video write
// abandons the session and returns its failed summary.
func (c *Controller) WriteFrame(frame gocv.Mat) *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || frame.Empty() {
		return nil
	}

	stamped := frame.Clone()
	defer stamped.Close()
	drawIndicator(&stamped, c.session.Reason, c.opts.Now().Sub(c.session.Start))

	if err := c.video.Write(stamped); err != nil {
		return c.stopLocked(err)
	}
	c.frames++

	if c.opts.Audio != nil {
		c.writeAudioLocked(c.opts.Audio.Drain())
	}
	return nil
}

// writeAudioLocked drops the audio track on failure; the video keeps recording.
func (c *Controller) writeAudioLocked(blocks []noise.Block) {
	if c.audio == nil || len(blocks) == 0 {
		return
	}
	if err := c.audio.Write(blocks); err != nil {
		trace.Logger(c.ctx).Warn("audio track dropped", "error", err)
		_ = c.audio.Close()
		c.audio = nil
		return
	}
	c.blocks += len(blocks)
}

// Close ends any open session.
func (c *Controller) Close() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.stopLocked(nil)
}

func (c *Controller) startLocked(ctx context.Context, reason Reason, frame gocv.Mat) error {
	if frame.Empty() {
		return apperrors.New(apperrors.InvalidArgument, "cannot size a recording from an empty frame")
	}
	if err := os.MkdirAll(c.opts.Dir, 0o755); err != nil {
		return apperrors.Wrapf(err, apperrors.ResourceWrite, "create recordings dir %s", c.opts.Dir)
	}

	now := c.opts.Now()
	stamp := now.Format(TimestampLayout)
	s := &Session{
		ID:        uuid.NewString(),
		Reason:    reason,
		Start:     now,
		VideoPath: filepath.Join(c.opts.Dir, fmt.Sprintf("recording_%s_%s.avi", reason, stamp)),
	}

	ctx, span := trace.StartSpan(trace.With(ctx, "session", s.ID), "recording.session")
	span.SetAttr("reason", string(reason))
	log := trace.Logger(ctx)

	video, err := c.opts.OpenVideo(s.VideoPath, c.opts.Codec, c.opts.FPS, frame.Cols(), frame.Rows())
	if err != nil {
		if !apperrors.IsCode(err, apperrors.ResourceWrite) {
			err = apperrors.Wrapf(err, apperrors.ResourceWrite, "open video writer %s", s.VideoPath)
		}
		span.SetError(err)
		span.End()
		log.Error("recording not started", "reason", reason, "error", err)
		return err
	}

	var audioW AudioWriter
	if c.opts.SampleRate > 0 {
		path := filepath.Join(c.opts.Dir, fmt.Sprintf("audio_%s.wav", stamp))
		if audioW, err = c.opts.OpenAudio(path, c.opts.SampleRate); err != nil {
			log.Warn("recording without audio", "error", err)
			audioW = nil
		} else {
			s.AudioPath = path
		}
	}

	c.session, c.video, c.audio = s, video, audioW
	c.frames, c.blocks = 0, 0
	c.ctx, c.span = ctx, span
	if c.audio != nil && c.opts.Audio != nil {
		c.opts.Audio.BeginCapture()
	}

	log.Info("recording started", "reason", reason, "video", s.VideoPath, "audio", s.AudioPath)
	return nil
}

// stopLocked closes both writers and returns to Idle. cause marks the
// session as failed.
func (c *Controller) stopLocked(cause error) *Summary {
	s := c.session
	if c.opts.Audio != nil && c.audio != nil {
		c.writeAudioLocked(c.opts.Audio.EndCapture())
	} else if c.opts.Audio != nil {
		c.opts.Audio.EndCapture()
	}

	sum := &Summary{
		Session:     *s,
		Duration:    c.opts.Now().Sub(s.Start),
		Frames:      c.frames,
		AudioBlocks: c.blocks,
		Err:         cause,
	}

	if err := c.video.Close(); err != nil && sum.Err == nil {
		sum.Err = apperrors.Wrap(err, apperrors.ResourceWrite, "close video writer")
	}
	if c.audio != nil {
		if err := c.audio.Close(); err != nil {
			trace.Logger(c.ctx).Warn("audio file not finalized", "path", s.AudioPath, "error", err)
		}
	}

	log := trace.Logger(c.ctx)
	if sum.Err != nil {
		c.span.SetError(sum.Err)
		log.Error("recording failed", "reason", s.Reason, "duration", sum.Duration, "frames", sum.Frames, "error", sum.Err)
	} else {
		log.Info("recording saved", "reason", s.Reason, "duration", sum.Duration,
			"frames", sum.Frames, "video", s.VideoPath, "audio", s.AudioPath)
	}
	c.span.SetAttr("frames", sum.Frames)
	c.span.End()

	c.session, c.video, c.audio = nil, nil, nil
	c.ctx, c.span = nil, nil
	return sum
}

var recColor = color.RGBA{R: 255, A: 255}

func drawIndicator(img *gocv.Mat, reason Reason, elapsed time.Duration) {
	secs := int(elapsed.Seconds())
	gocv.Circle(img, image.Pt(img.Cols()-120, 25), 8, recColor, -1)
	gocv.PutText(img, fmt.Sprintf("REC %s", reason), image.Pt(img.Cols()-105, 32),
		gocv.FontHersheySimplex, 0.6, recColor, 2)
	gocv.PutText(img, fmt.Sprintf("%02d:%02d", secs/60, secs%60), image.Pt(img.Cols()-105, 58),
		gocv.FontHersheySimplex, 0.6, recColor, 2)
}
