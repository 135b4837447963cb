package config

import (
	"time"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
)

// PipelineConfig is the runtime-tunable part of the configuration. The capture loop
// copies it once per frame, so every field must stay a plain value.
type PipelineConfig struct {
	MotionThreshold         int     `yaml:"motion_threshold" json:"motion_threshold"`
	MotionMinArea           int     `yaml:"motion_min_area" json:"motion_min_area"`
	NoiseThreshold          float64 `yaml:"noise_threshold" json:"noise_threshold"`
	ObjectConfidence        float64 `yaml:"object_confidence" json:"object_confidence"`
	InactivityTimeoutSec    float64 `yaml:"inactivity_timeout" json:"inactivity_timeout"`
	FrameSkip               int     `yaml:"frame_skip" json:"frame_skip"`
	ObjectDetectionInterval int     `yaml:"object_detection_interval" json:"object_detection_interval"`
	ContinuousMode          bool    `yaml:"continuous_mode" json:"continuous_mode"`
	RecordOnMotion          bool    `yaml:"record_on_motion" json:"record_on_motion"`
	RecordOnNoise           bool    `yaml:"record_on_noise" json:"record_on_noise"`
	RecordOnPerson          bool    `yaml:"record_on_person" json:"record_on_person"`
	HeatmapEnabled          bool    `yaml:"heatmap" json:"heatmap"`
	ObjectDetection         bool    `yaml:"object_detection" json:"object_detection"`

	AlertsEnabled    bool    `yaml:"alerts_enabled" json:"alerts_enabled"`
	AlertOnMotion    bool    `yaml:"alert_on_motion" json:"alert_on_motion"`
	AlertOnNoise     bool    `yaml:"alert_on_noise" json:"alert_on_noise"`
	AlertOnPerson    bool    `yaml:"alert_on_person" json:"alert_on_person"`
	AlertCooldownSec float64 `yaml:"alert_cooldown" json:"alert_cooldown"`
}

// DefaultPipeline returns the stock tuning.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		MotionThreshold:         25,
		MotionMinArea:           500,
		NoiseThreshold:          0.1,
		ObjectConfidence:        0.5,
		InactivityTimeoutSec:    10,
		FrameSkip:               1,
		ObjectDetectionInterval: 10,
		RecordOnMotion:          true,
		RecordOnNoise:           true,
		RecordOnPerson:          true,
		HeatmapEnabled:          true,
		ObjectDetection:         true,
		AlertOnMotion:           true,
		AlertOnNoise:            true,
		AlertOnPerson:           true,
		AlertCooldownSec:        60,
	}
}

func loadPipeline() PipelineConfig {
	d := DefaultPipeline()
	return PipelineConfig{
		MotionThreshold:         getEnvInt("MOTION_THRESHOLD", d.MotionThreshold),
		MotionMinArea:           getEnvInt("MOTION_MIN_AREA", d.MotionMinArea),
		NoiseThreshold:          getEnvFloat("NOISE_THRESHOLD", d.NoiseThreshold),
		ObjectConfidence:        getEnvFloat("OBJECT_CONFIDENCE", d.ObjectConfidence),
		InactivityTimeoutSec:    getEnvFloat("INACTIVITY_TIMEOUT", d.InactivityTimeoutSec),
		FrameSkip:               getEnvInt("FRAME_SKIP", d.FrameSkip),
		ObjectDetectionInterval: getEnvInt("OBJECT_DETECTION_INTERVAL", d.ObjectDetectionInterval),
		ContinuousMode:          getEnvBool("CONTINUOUS_MODE", d.ContinuousMode),
		RecordOnMotion:          getEnvBool("RECORD_ON_MOTION", d.RecordOnMotion),
		RecordOnNoise:           getEnvBool("RECORD_ON_NOISE", d.RecordOnNoise),
		RecordOnPerson:          getEnvBool("RECORD_ON_PERSON", d.RecordOnPerson),
		HeatmapEnabled:          getEnvBool("HEATMAP", d.HeatmapEnabled),
		ObjectDetection:         getEnvBool("OBJECT_DETECTION", d.ObjectDetection),
		AlertsEnabled:           getEnvBool("ALERTS_ENABLED", d.AlertsEnabled),
		AlertOnMotion:           getEnvBool("ALERT_ON_MOTION", d.AlertOnMotion),
		AlertOnNoise:            getEnvBool("ALERT_ON_NOISE", d.AlertOnNoise),
		AlertOnPerson:           getEnvBool("ALERT_ON_PERSON", d.AlertOnPerson),
		AlertCooldownSec:        getEnvFloat("ALERT_COOLDOWN", d.AlertCooldownSec),
	}
}

// InactivityTimeout returns the session idle limit.
func (p PipelineConfig) InactivityTimeout() time.Duration {
	return time.Duration(p.InactivityTimeoutSec * float64(time.Second))
}

// AlertCooldown returns the minimum spacing between alerts.
func (p PipelineConfig) AlertCooldown() time.Duration {
	return time.Duration(p.AlertCooldownSec * float64(time.Second))
}

// Validate rejects values the detectors cannot work with.
func (p PipelineConfig) Validate() error {
	switch {
	case p.MotionThreshold < 1 || p.MotionThreshold > 255:
		return apperrors.Newf(apperrors.ConfigInvalid, "motion_threshold %d outside 1..255", p.MotionThreshold)
	case p.MotionMinArea < 0:
		return apperrors.Newf(apperrors.ConfigInvalid, "motion_min_area %d is negative", p.MotionMinArea)
	case p.NoiseThreshold < 0:
		return apperrors.Newf(apperrors.ConfigInvalid, "noise_threshold %g is negative", p.NoiseThreshold)
	case p.ObjectConfidence < 0 || p.ObjectConfidence > 1:
		return apperrors.Newf(apperrors.ConfigInvalid, "object_confidence %g outside 0..1", p.ObjectConfidence)
	case p.InactivityTimeoutSec <= 0:
		return apperrors.Newf(apperrors.ConfigInvalid, "inactivity_timeout %g must be positive", p.InactivityTimeoutSec)
	case p.FrameSkip < 1:
		return apperrors.Newf(apperrors.ConfigInvalid, "frame_skip %d must be at least 1", p.FrameSkip)
	case p.ObjectDetectionInterval < 1:
		return apperrors.Newf(apperrors.ConfigInvalid, "object_detection_interval %d must be at least 1", p.ObjectDetectionInterval)
	case p.AlertCooldownSec < 0:
		return apperrors.Newf(apperrors.ConfigInvalid, "alert_cooldown %g is negative", p.AlertCooldownSec)
	}
	return nil
}
