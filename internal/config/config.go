package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ServerConfig stores the primary session endpoint configuration.
type ServerConfig struct {
	URL                string `yaml:"url" envconfig:"server_url"`
	APIKey             string `yaml:"api_key" envconfig:"server_api_key"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms"`
}

// SessionConfig stores generation parameters sent in the setup frame.
// Immutable for the lifetime of one connection.
type SessionConfig struct {
	Voice             string            `yaml:"voice"`
	InputSampleRate   int               `yaml:"input_sample_rate"`
	OutputSampleRate  int               `yaml:"output_sample_rate"`
	SystemInstruction string            `yaml:"system_instruction"`
	Temperature       float64           `yaml:"temperature"`
	TopP              float64           `yaml:"top_p"`
	TopK              int               `yaml:"top_k"`
	MaxOutputTokens   int               `yaml:"max_output_tokens"`
	Safety            map[string]string `yaml:"safety"`
	PrimingMessage    string            `yaml:"priming_message"`
	Caller            string            `yaml:"caller"` // identity attached to tool executions
}

// AudioConfig stores device selection and debug options.
type AudioConfig struct {
	Backend          string  `yaml:"backend"` // portaudio or none
	InputDeviceID    int     `yaml:"input_device_id"`
	OutputDeviceID   int     `yaml:"output_device_id"`
	FramesPerBuffer  int     `yaml:"frames_per_buffer"`
	SilenceThreshold float32 `yaml:"silence_threshold"`
	SilenceHangMs    int     `yaml:"silence_hang_ms"`
	DebugDir         string  `yaml:"debug_dir"`
}

// PlaybackConfig stores scheduler timing parameters.
type PlaybackConfig struct {
	SliceMs        int `yaml:"slice_ms"`
	LookAheadMs    int `yaml:"look_ahead_ms"`
	MinLeadMs      int `yaml:"min_lead_ms"`
	IdlePollMs     int `yaml:"idle_poll_ms"`
	OverflowFactor int `yaml:"overflow_factor"`
	FadeMs         int `yaml:"fade_ms"`
}

// FrameCaptureConfig stores one timed frame source (camera or screen).
type FrameCaptureConfig struct {
	FPS           float64  `yaml:"fps"`
	GrabCommand   []string `yaml:"grab_command"`
	GrabTimeoutMs int      `yaml:"grab_timeout_ms"`
	MIMEType      string   `yaml:"mime_type"`
}

// CaptureConfig stores camera/screen capture configuration.
type CaptureConfig struct {
	Camera             FrameCaptureConfig `yaml:"camera"`
	Screen             FrameCaptureConfig `yaml:"screen"`
	FailureThreshold   int                `yaml:"failure_threshold"`
	ReadinessTimeoutMs int                `yaml:"readiness_timeout_ms"`
}

// ReconnectConfig stores the sidecar backoff policy.
type ReconnectConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
}

// TranscriptionConfig stores the optional transcription sidecar configuration.
type TranscriptionConfig struct {
	Enabled        bool            `yaml:"enabled"`
	URL            string          `yaml:"url" envconfig:"transcription_url"`
	Codec          string          `yaml:"codec"` // pcm or opus
	KeepAliveMs    int             `yaml:"keep_alive_ms"`
	SetupTimeoutMs int             `yaml:"setup_timeout_ms"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// ObservabilityConfig stores the metrics listener configuration.
type ObservabilityConfig struct {
	ListenAddr string `yaml:"listen_addr" envconfig:"metrics_addr"`
}

// Config stores the application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Session       SessionConfig       `yaml:"session"`
	Audio         AudioConfig         `yaml:"audio"`
	Playback      PlaybackConfig      `yaml:"playback"`
	Capture       CaptureConfig       `yaml:"capture"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Observability ObservabilityConfig `yaml:"observability"`
	LogLevel      string              `yaml:"log_level" envconfig:"log_level"`
}

// LoadConfig loads the configuration from the given file path, layers
// LIVEAGENT_* environment overrides on top, and validates the result.
// A .env file in the working directory is honored when present.
func LoadConfig(filePath string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process("liveagent", &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.HandshakeTimeoutMs <= 0 {
		c.Server.HandshakeTimeoutMs = 10000
	}
	if c.Session.InputSampleRate <= 0 {
		c.Session.InputSampleRate = 16000
	}
	if c.Session.OutputSampleRate <= 0 {
		c.Session.OutputSampleRate = 24000
	}
	if c.Session.Caller == "" {
		c.Session.Caller = "user"
	}
	if c.Audio.Backend == "" {
		c.Audio.Backend = "portaudio"
	}
	if c.Audio.InputDeviceID == 0 {
		c.Audio.InputDeviceID = -1 // system default
	}
	if c.Audio.OutputDeviceID == 0 {
		c.Audio.OutputDeviceID = -1
	}
	if c.Audio.FramesPerBuffer <= 0 {
		c.Audio.FramesPerBuffer = 512
	}
	if c.Audio.SilenceThreshold <= 0 {
		c.Audio.SilenceThreshold = 0.01
	}
	if c.Audio.SilenceHangMs <= 0 {
		c.Audio.SilenceHangMs = 1500
	}
	if c.Playback.SliceMs <= 0 {
		c.Playback.SliceMs = 320
	}
	if c.Playback.LookAheadMs <= 0 {
		c.Playback.LookAheadMs = 200
	}
	if c.Playback.MinLeadMs <= 0 {
		c.Playback.MinLeadMs = 20
	}
	if c.Playback.IdlePollMs <= 0 {
		c.Playback.IdlePollMs = 100
	}
	if c.Playback.OverflowFactor <= 0 {
		c.Playback.OverflowFactor = 8
	}
	if c.Playback.FadeMs <= 0 {
		c.Playback.FadeMs = 80
	}
	if c.Capture.Camera.FPS <= 0 {
		c.Capture.Camera.FPS = 1
	}
	if c.Capture.Screen.FPS <= 0 {
		c.Capture.Screen.FPS = 0.5
	}
	if c.Capture.Camera.GrabTimeoutMs <= 0 {
		c.Capture.Camera.GrabTimeoutMs = 3000
	}
	if c.Capture.Screen.GrabTimeoutMs <= 0 {
		c.Capture.Screen.GrabTimeoutMs = 3000
	}
	if c.Capture.Camera.MIMEType == "" {
		c.Capture.Camera.MIMEType = "image/jpeg"
	}
	if c.Capture.Screen.MIMEType == "" {
		c.Capture.Screen.MIMEType = "image/jpeg"
	}
	if c.Capture.FailureThreshold <= 0 {
		c.Capture.FailureThreshold = 10
	}
	if c.Capture.ReadinessTimeoutMs <= 0 {
		c.Capture.ReadinessTimeoutMs = 5000
	}
	if c.Transcription.Codec == "" {
		c.Transcription.Codec = "pcm"
	}
	if c.Transcription.KeepAliveMs <= 0 {
		c.Transcription.KeepAliveMs = 10000
	}
	if c.Transcription.SetupTimeoutMs <= 0 {
		c.Transcription.SetupTimeoutMs = 5000
	}
	if c.Transcription.Reconnect.MaxAttempts <= 0 {
		c.Transcription.Reconnect.MaxAttempts = 5
	}
	if c.Transcription.Reconnect.InitialDelayMs <= 0 {
		c.Transcription.Reconnect.InitialDelayMs = 1000
	}
	if c.Transcription.Reconnect.Multiplier <= 0 {
		c.Transcription.Reconnect.Multiplier = 2.0
	}
	if c.Transcription.Reconnect.MaxDelayMs <= 0 {
		c.Transcription.Reconnect.MaxDelayMs = 30000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for values the application cannot run with.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Session.InputSampleRate < 8000 || c.Session.InputSampleRate > 48000 {
		return fmt.Errorf("session.input_sample_rate %d outside supported range [8000, 48000]", c.Session.InputSampleRate)
	}
	if c.Session.OutputSampleRate < 8000 || c.Session.OutputSampleRate > 48000 {
		return fmt.Errorf("session.output_sample_rate %d outside supported range [8000, 48000]", c.Session.OutputSampleRate)
	}
	switch c.Audio.Backend {
	case "portaudio", "none":
	default:
		return fmt.Errorf("audio.backend %q not supported (portaudio, none)", c.Audio.Backend)
	}
	switch c.Transcription.Codec {
	case "pcm", "opus":
	default:
		return fmt.Errorf("transcription.codec %q not supported (pcm, opus)", c.Transcription.Codec)
	}
	if c.Transcription.Enabled && c.Transcription.URL == "" {
		return fmt.Errorf("transcription.url is required when transcription is enabled")
	}
	return nil
}

// Duration accessors keep millisecond fields readable at call sites.

func (c ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

func (c PlaybackConfig) SliceDuration() time.Duration {
	return time.Duration(c.SliceMs) * time.Millisecond
}

func (c PlaybackConfig) LookAhead() time.Duration {
	return time.Duration(c.LookAheadMs) * time.Millisecond
}

func (c PlaybackConfig) MinLead() time.Duration {
	return time.Duration(c.MinLeadMs) * time.Millisecond
}

func (c PlaybackConfig) IdlePoll() time.Duration {
	return time.Duration(c.IdlePollMs) * time.Millisecond
}

func (c PlaybackConfig) Fade() time.Duration {
	return time.Duration(c.FadeMs) * time.Millisecond
}

func (c FrameCaptureConfig) Interval() time.Duration {
	return time.Duration(float64(time.Second) / c.FPS)
}

func (c FrameCaptureConfig) GrabTimeout() time.Duration {
	return time.Duration(c.GrabTimeoutMs) * time.Millisecond
}

func (c CaptureConfig) ReadinessTimeout() time.Duration {
	return time.Duration(c.ReadinessTimeoutMs) * time.Millisecond
}

func (c TranscriptionConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveMs) * time.Millisecond
}

func (c TranscriptionConfig) SetupTimeout() time.Duration {
	return time.Duration(c.SetupTimeoutMs) * time.Millisecond
}

func (c ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

func (c ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

func (c AudioConfig) SilenceHang() time.Duration {
	return time.Duration(c.SilenceHangMs) * time.Millisecond
}
