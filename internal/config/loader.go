package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the YAML omits an API key.
const (
	EnvLiveAPIKey   = "GEMINI_API_KEY"
	EnvSpeechAPIKey = "ELEVENLABS_API_KEY"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and env
// fallbacks, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields and resolves API keys from the
// environment.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Live.APIKey == "" {
		cfg.Live.APIKey = os.Getenv(EnvLiveAPIKey)
	}
	if cfg.Speech.APIKey == "" {
		cfg.Speech.APIKey = os.Getenv(EnvSpeechAPIKey)
	}
	if cfg.Live.ResponseModality == "" {
		cfg.Live.ResponseModality = ModalityAudio
	}
	if cfg.Speech.FlushLength == 0 {
		cfg.Speech.FlushLength = 32
	}
	if cfg.Speech.Stability == 0 {
		cfg.Speech.Stability = 0.5
	}
	if cfg.Speech.Clarity == 0 {
		cfg.Speech.Clarity = 0.75
	}
	if cfg.Audio.CaptureSampleRate == 0 {
		cfg.Audio.CaptureSampleRate = 16000
	}
	if cfg.Audio.CaptureBlockSize == 0 {
		cfg.Audio.CaptureBlockSize = 1024
	}
	if cfg.Audio.PlaybackSampleRate == 0 {
		cfg.Audio.PlaybackSampleRate = 24000
	}
	if cfg.Video.ThrottleInterval == 0 {
		cfg.Video.ThrottleInterval = Duration(750 * time.Millisecond)
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; soft issues are only
// logged.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Relay.URL == "" {
		errs = append(errs, errors.New("relay.url is required"))
	}

	if cfg.Live.APIKey == "" {
		errs = append(errs, fmt.Errorf("live.api_key is required (or set %s)", EnvLiveAPIKey))
	}
	if !cfg.Live.ResponseModality.IsValid() {
		errs = append(errs, fmt.Errorf("live.response_modality %q is invalid; valid values: audio, text", cfg.Live.ResponseModality))
	}

	if cfg.Live.ResponseModality == ModalityText && cfg.Speech.APIKey == "" {
		errs = append(errs, fmt.Errorf("speech.api_key is required in text modality (or set %s)", EnvSpeechAPIKey))
	}

	for _, rc := range []struct {
		name string
		rc   ReconnectConfig
	}{
		{"relay.reconnect", cfg.Relay.Reconnect},
		{"live.reconnect", cfg.Live.Reconnect},
	} {
		if rc.rc.Base < 0 || rc.rc.Max < 0 {
			errs = append(errs, fmt.Errorf("%s delays must not be negative", rc.name))
		}
		if rc.rc.Max != 0 && rc.rc.Max < rc.rc.Base {
			errs = append(errs, fmt.Errorf("%s.max %v is below base %v", rc.name, rc.rc.Max.Std(), rc.rc.Base.Std()))
		}
	}

	if unit := checkUnitRange("speech.stability", cfg.Speech.Stability); unit != nil {
		errs = append(errs, unit)
	}
	if unit := checkUnitRange("speech.clarity", cfg.Speech.Clarity); unit != nil {
		errs = append(errs, unit)
	}
	if unit := checkUnitRange("speech.style_exaggeration", cfg.Speech.StyleExaggeration); unit != nil {
		errs = append(errs, unit)
	}

	// Throttle bounds are heuristics, not hard limits; warn outside the
	// range the provider cost model was tuned for.
	if ti := cfg.Video.ThrottleInterval.Std(); ti < 100*time.Millisecond || ti > 5*time.Second {
		slog.Warn("video.throttle_interval outside the usual 500ms-1s band",
			"interval", ti,
		)
	}

	return errors.Join(errs...)
}

func checkUnitRange(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s %.2f is out of range [0, 1]", name, v)
	}
	return nil
}
