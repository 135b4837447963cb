// Package config handles watchtower configuration
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	CameraDevice      string // device index or stream URL
	CameraOpenTimeout time.Duration
	FrameWidth        int // 0 keeps the driver default
	FrameHeight       int
	MaxReadFailures   int
	ReadRetryDelay    time.Duration

	AudioEnabled         bool
	SampleRate           int
	AudioBlockDuration   float64 // seconds
	ExcludedAudioDevices []string

	RecordingsDir string
	ModelDir      string
	SettingsFile  string
	VideoFPS      float64
	VideoCodec    string

	AlertQueueSize     int
	AlertShutdownGrace time.Duration
	SMTPHost           string
	SMTPPort           int
	SMTPUser           string
	SMTPPassword       string
	AlertRecipients    []string
	MQTTBroker         string
	MQTTClientID       string
	MQTTTopicPrefix    string

	LogFormat string // "text" or "json"
	LogLevel  string

	Pipeline PipelineConfig
}

func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8000"),
		GRPCAddr: getEnv("GRPC_ADDR", ":50051"),

		CameraDevice:      getEnv("CAMERA_DEVICE", "0"),
		CameraOpenTimeout: getEnvDuration("CAMERA_OPEN_TIMEOUT", 3*time.Second),
		FrameWidth:        getEnvInt("FRAME_WIDTH", 640),
		FrameHeight:       getEnvInt("FRAME_HEIGHT", 480),
		MaxReadFailures:   getEnvInt("MAX_READ_FAILURES", 30),
		ReadRetryDelay:    getEnvDuration("READ_RETRY_DELAY", 100*time.Millisecond),

		AudioEnabled:         getEnvBool("AUDIO_ENABLED", true),
		SampleRate:           getEnvInt("SAMPLE_RATE", 44100),
		AudioBlockDuration:   getEnvFloat("AUDIO_BLOCK_DURATION", 0.1),
		ExcludedAudioDevices: getEnvList("EXCLUDED_AUDIO_DEVICES", []string{"monitor", "loopback"}),

		RecordingsDir: getEnv("RECORDINGS_DIR", "recordings"),
		ModelDir:      getEnv("MODEL_DIR", "models"),
		SettingsFile:  getEnv("SETTINGS_FILE", "settings.yaml"),
		VideoFPS:      getEnvFloat("VIDEO_FPS", 20),
		VideoCodec:    getEnv("VIDEO_CODEC", "XVID"),

		AlertQueueSize:     getEnvInt("ALERT_QUEUE_SIZE", 16),
		AlertShutdownGrace: getEnvDuration("ALERT_SHUTDOWN_GRACE", 2*time.Second),
		SMTPHost:           getEnv("SMTP_HOST", "smtp.gmail.com"),
		SMTPPort:           getEnvInt("SMTP_PORT", 587),
		SMTPUser:           getEnv("SMTP_USER", ""),
		SMTPPassword:       getEnv("SMTP_PASSWORD", ""),
		AlertRecipients:    getEnvList("ALERT_RECIPIENTS", nil),
		MQTTBroker:         getEnv("MQTT_BROKER", ""),
		MQTTClientID:       getEnv("MQTT_CLIENT_ID", "watchtower"),
		MQTTTopicPrefix:    getEnv("MQTT_TOPIC_PREFIX", "watchtower"),

		LogFormat: getEnv("LOG_FORMAT", "text"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		Pipeline: loadPipeline(),
	}
}

// AudioBlockSize is the number of samples per audio callback.
func (c *Config) AudioBlockSize() int {
	n := int(float64(c.SampleRate) * c.AudioBlockDuration)
	if n <= 0 {
		return 1024
	}
	return n
}

// EmailConfigured reports whether SMTP credentials and recipients are present.
func (c *Config) EmailConfigured() bool {
	return c.SMTPUser != "" && c.SMTPPassword != "" && len(c.AlertRecipients) > 0
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
