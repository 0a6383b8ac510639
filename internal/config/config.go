// Package config provides the configuration schema, loader and device
// registry for tutorvoice.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CalibratorKind selects the amplitude calibration strategy.
type CalibratorKind string

const (
	// CalibratorFixed compares every sample against a fixed threshold.
	CalibratorFixed CalibratorKind = "fixed"

	// CalibratorAdaptive derives the threshold from ambient noise at the
	// start of every recording.
	CalibratorAdaptive CalibratorKind = "adaptive"
)

// IsValid reports whether k is a recognised calibrator.
func (k CalibratorKind) IsValid() bool {
	return k == CalibratorFixed || k == CalibratorAdaptive
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Channel  ChannelConfig  `yaml:"channel"`
	Identity IdentityConfig `yaml:"identity"`
	VAD      VADConfig      `yaml:"vad"`
	Timing   TimingConfig   `yaml:"timing"`
	History  HistoryConfig  `yaml:"history"`
	Devices  DevicesConfig  `yaml:"devices"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address health and metrics are served on
	// (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ChannelConfig configures the duplex channel to the tutor backend.
type ChannelConfig struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string `yaml:"url" validate:"required,url"`

	// AutoGreeting requests a greeting as soon as the channel opens.
	AutoGreeting bool `yaml:"auto_greeting"`

	// Headers are sent with the WebSocket handshake.
	Headers map[string]string `yaml:"headers"`

	// ReadLimit caps the size of an inbound frame in bytes. 0 uses the
	// channel default.
	ReadLimit int64 `yaml:"read_limit" validate:"gte=0"`
}

// IdentityConfig says where the learner's bearer token comes from. The
// first non-empty source wins.
type IdentityConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	TokenEnv  string `yaml:"token_env"`

	// UserName overrides the name decoded from the token.
	UserName string `yaml:"user_name"`
}

// VADConfig configures voice activity detection.
type VADConfig struct {
	// Calibrator selects "fixed" (default) or "adaptive".
	Calibrator CalibratorKind `yaml:"calibrator"`

	// ThresholdDBFS is the fixed speech threshold.
	ThresholdDBFS float64 `yaml:"threshold_dbfs" validate:"lte=0"`

	// AdaptiveOffsetDB is subtracted from the ambient peak to obtain the
	// adaptive threshold (negative values put it above the peak).
	AdaptiveOffsetDB float64 `yaml:"adaptive_offset_db"`

	// AdaptiveFloorDBFS is the lowest adaptive threshold.
	AdaptiveFloorDBFS float64 `yaml:"adaptive_floor_dbfs" validate:"lte=0"`
}

// TimingConfig overrides individual conversation timings. Zero values keep
// the defaults.
type TimingConfig struct {
	SampleInterval         time.Duration `yaml:"sample_interval" validate:"gte=0"`
	CalibrationWindow      time.Duration `yaml:"calibration_window" validate:"gte=0"`
	MeteringTimeout        time.Duration `yaml:"metering_timeout" validate:"gte=0"`
	DegradedRecording      time.Duration `yaml:"degraded_recording" validate:"gte=0"`
	MinSpeechDuration      time.Duration `yaml:"min_speech_duration" validate:"gte=0"`
	GreetingSettle         time.Duration `yaml:"greeting_settle" validate:"gte=0"`
	PlaybackSettle         time.Duration `yaml:"playback_settle" validate:"gte=0"`
	DiscardReopen          time.Duration `yaml:"discard_reopen" validate:"gte=0"`
	StartRetry             time.Duration `yaml:"start_retry" validate:"gte=0"`
	FailureRetry           time.Duration `yaml:"failure_retry" validate:"gte=0"`
	PauseThreshold         time.Duration `yaml:"pause_threshold" validate:"gte=0"`
	PauseCheckInterval     time.Duration `yaml:"pause_check_interval" validate:"gte=0"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout" validate:"gte=0"`
	ResponseTimeout        time.Duration `yaml:"response_timeout" validate:"gte=0"`
	InitialSilence         time.Duration `yaml:"initial_silence" validate:"gte=0"`
	OpeningInitialSilence  time.Duration `yaml:"opening_initial_silence" validate:"gte=0"`
	FollowUpInitialSilence time.Duration `yaml:"follow_up_initial_silence" validate:"gte=0"`
	PostSpeechSilence      time.Duration `yaml:"post_speech_silence" validate:"gte=0"`
	FollowUpPostSpeech     time.Duration `yaml:"follow_up_post_speech" validate:"gte=0"`
}

// HistoryConfig configures transcript persistence.
type HistoryConfig struct {
	// PostgresDSN selects the PostgreSQL store. Empty keeps history in
	// memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// QueueSize is the capacity of the asynchronous history writer.
	QueueSize int `yaml:"queue_size" validate:"gte=0"`
}

// DevicesConfig selects and configures the audio devices.
type DevicesConfig struct {
	// Driver names the registered device implementation: "wav" (default)
	// replays files, "live" uses the system audio devices.
	Driver string `yaml:"driver"`

	// InputFile is the WAV file the file-backed microphone replays.
	InputFile string `yaml:"input_file"`

	// LoopInput restarts the input file when it is exhausted.
	LoopInput bool `yaml:"loop_input"`

	// MeterWindow is the span of audio the microphone level is computed over.
	MeterWindow time.Duration `yaml:"meter_window" validate:"gte=0"`

	// OutputDir is where the file-backed speaker writes received clips.
	// Empty keeps clips in memory.
	OutputDir string `yaml:"output_dir"`

	// PlaybackSpeed scales how long a clip "plays"; 1 is real time and 0
	// takes the default of 1.
	PlaybackSpeed float64 `yaml:"playback_speed" validate:"gte=0,lte=10"`
}
