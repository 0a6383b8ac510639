package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MrWong99/tutorvoice/internal/timing"
	"github.com/MrWong99/tutorvoice/internal/vad"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultDriver is the device driver used when devices.driver is empty.
const DefaultDriver = "wav"

// validate is shared; validator caches struct metadata per type.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values that have a non-zero default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.VAD.Calibrator == "" {
		cfg.VAD.Calibrator = CalibratorFixed
	}
	if cfg.VAD.ThresholdDBFS == 0 {
		cfg.VAD.ThresholdDBFS = vad.DefaultFixedThreshold
	}
	if cfg.VAD.AdaptiveOffsetDB == 0 {
		cfg.VAD.AdaptiveOffsetDB = vad.DefaultAdaptiveOffset
	}
	if cfg.VAD.AdaptiveFloorDBFS == 0 {
		cfg.VAD.AdaptiveFloorDBFS = vad.DefaultAdaptiveFloor
	}
	if cfg.Devices.Driver == "" {
		cfg.Devices.Driver = DefaultDriver
	}
	if cfg.Devices.PlaybackSpeed == 0 {
		cfg.Devices.PlaybackSpeed = 1
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if u := cfg.Channel.URL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		errs = append(errs, fmt.Errorf("channel.url %q must use the ws:// or wss:// scheme", u))
	}
	if cfg.VAD.Calibrator != "" && !cfg.VAD.Calibrator.IsValid() {
		errs = append(errs, fmt.Errorf("vad.calibrator %q is invalid; valid values: fixed, adaptive", cfg.VAD.Calibrator))
	}

	if cfg.Devices.Driver == DefaultDriver && cfg.Devices.InputFile == "" {
		errs = append(errs, errors.New("devices.input_file is required for the wav driver"))
	}

	if cfg.History.PostgresDSN == "" {
		slog.Debug("history.postgres_dsn is empty; transcripts are kept in memory only")
	}
	if cfg.Identity.Token != "" && (cfg.Identity.TokenFile != "" || cfg.Identity.TokenEnv != "") {
		slog.Warn("identity.token is set; identity.token_file and identity.token_env are ignored")
	}

	return errors.Join(errs...)
}

// fieldError renders a validator failure with the YAML path of the field.
func fieldError(fe validator.FieldError) error {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	path := yamlPath(ns)
	if fe.Param() != "" {
		return fmt.Errorf("%s fails %q (%s)", path, fe.Tag(), fe.Param())
	}
	return fmt.Errorf("%s fails %q", path, fe.Tag())
}

// yamlPath converts a Go field namespace ("Channel.URL") into the YAML key
// path ("channel.url").
func yamlPath(ns string) string {
	parts := strings.Split(ns, ".")
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Policy returns the conversation timings with the configured overrides
// applied on top of [timing.Default].
func (c *Config) Policy() timing.Policy {
	t := c.Timing
	return timing.Default().Merge(timing.Policy{
		SampleInterval:         t.SampleInterval,
		CalibrationWindow:      t.CalibrationWindow,
		MeteringTimeout:        t.MeteringTimeout,
		DegradedRecording:      t.DegradedRecording,
		MinSpeechDuration:      t.MinSpeechDuration,
		GreetingSettle:         t.GreetingSettle,
		PlaybackSettle:         t.PlaybackSettle,
		DiscardReopen:          t.DiscardReopen,
		StartRetry:             t.StartRetry,
		FailureRetry:           t.FailureRetry,
		PauseThreshold:         t.PauseThreshold,
		PauseCheckInterval:     t.PauseCheckInterval,
		ConnectTimeout:         t.ConnectTimeout,
		ResponseTimeout:        t.ResponseTimeout,
		InitialSilence:         t.InitialSilence,
		OpeningInitialSilence:  t.OpeningInitialSilence,
		FollowUpInitialSilence: t.FollowUpInitialSilence,
		PostSpeechSilence:      t.PostSpeechSilence,
		FollowUpPostSpeech:     t.FollowUpPostSpeech,
	})
}

// Calibrator builds the configured amplitude calibrator. Each session needs
// its own instance.
func (c *Config) Calibrator() vad.AmplitudeCalibrator {
	if c.VAD.Calibrator == CalibratorAdaptive {
		a := vad.NewAdaptive(c.Policy().CalibrationWindow)
		a.Offset = c.VAD.AdaptiveOffsetDB
		a.Floor = c.VAD.AdaptiveFloorDBFS
		return a
	}
	return vad.NewFixed(c.VAD.ThresholdDBFS)
}

// SlogLevel maps l to a [slog.Level]; unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
