package recording

import (
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"gocv.io/x/gocv"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/noise"
)

// VideoWriter appends frames to a container.
type VideoWriter interface {
	Write(frame gocv.Mat) error
	Close() error
}

// AudioWriter appends sample blocks to a container.
type AudioWriter interface {
	Write(blocks []noise.Block) error
	Close() error
}

// VideoOpener creates a video writer for a session.
type VideoOpener func(path, codec string, fps float64, width, height int) (VideoWriter, error)

// AudioOpener creates an audio writer for a session.
type AudioOpener func(path string, sampleRate int) (AudioWriter, error)

// OpenVideoFile opens an OpenCV video writer.
func OpenVideoFile(path, codec string, fps float64, width, height int) (VideoWriter, error) {
	vw, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ResourceWrite, "open video writer %s", path)
	}
	if !vw.IsOpened() {
		_ = vw.Close()
		return nil, apperrors.Newf(apperrors.ResourceWrite, "video writer %s not opened (codec %s)", path, codec)
	}
	return &cvVideo{vw: vw}, nil
}

type cvVideo struct {
	vw *gocv.VideoWriter
}

func (v *cvVideo) Write(frame gocv.Mat) error {
	if err := v.vw.Write(frame); err != nil {
		return apperrors.Wrap(err, apperrors.ResourceWrite, "write video frame")
	}
	return nil
}

func (v *cvVideo) Close() error { return v.vw.Close() }

// OpenWAVFile creates a 16-bit mono WAV file.
func OpenWAVFile(path string, sampleRate int) (AudioWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ResourceWrite, "create audio file %s", path)
	}
	return &wavAudio{
		f:   f,
		enc: wav.NewEncoder(f, sampleRate, AudioBitDepth, 1, wavPCM),
		fmt: &audio.Format{NumChannels: 1, SampleRate: sampleRate},
	}, nil
}

type wavAudio struct {
	f   *os.File
	enc *wav.Encoder
	fmt *audio.Format
}

func (w *wavAudio) Write(blocks []noise.Block) error {
	n := 0
	for _, b := range blocks {
		n += len(b.Samples)
	}
	if n == 0 {
		return nil
	}
	data := make([]int, 0, n)
	for _, b := range blocks {
		for _, s := range b.Samples {
			data = append(data, toPCM16(s))
		}
	}
	buf := &audio.IntBuffer{Format: w.fmt, Data: data, SourceBitDepth: AudioBitDepth}
	if err := w.enc.Write(buf); err != nil {
		return apperrors.Wrap(err, apperrors.ResourceWrite, "write audio")
	}
	return nil
}

func (w *wavAudio) Close() error {
	encErr := w.enc.Close()
	if err := w.f.Close(); err != nil {
		return err
	}
	return encErr
}

func toPCM16(s float32) int {
	switch {
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	return int(s * maxInt16)
}
