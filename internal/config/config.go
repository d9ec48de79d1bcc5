// Package config provides the configuration schema and loader for the
// echosight client.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

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

// Modality selects what the live provider streams back.
type Modality string

const (
	// ModalityAudio plays the provider's native speech output.
	ModalityAudio Modality = "audio"

	// ModalityText routes text deltas through the speech queue instead.
	ModalityText Modality = "text"
)

// IsValid reports whether m is a recognised modality.
func (m Modality) IsValid() bool {
	return m == ModalityAudio || m == ModalityText
}

// Duration wraps time.Duration with YAML decoding of values like "750ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Default "info".
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving Prometheus /metrics.
	// Empty disables the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	Relay  RelayConfig  `yaml:"relay"`
	Live   LiveConfig   `yaml:"live"`
	Speech SpeechConfig `yaml:"speech"`
	Audio  AudioConfig  `yaml:"audio"`
	Video  VideoConfig  `yaml:"video"`
}

// ReconnectConfig tunes one channel's backoff. Zero values use the channel's
// built-in defaults.
type ReconnectConfig struct {
	// Base is the delay before the first retry.
	Base Duration `yaml:"base"`

	// Max caps the delay regardless of attempt count.
	Max Duration `yaml:"max"`

	// MaxAttempts bounds retries before giving up. Ignored by the relay,
	// which retries indefinitely.
	MaxAttempts int `yaml:"max_attempts"`
}

// RelayConfig holds the camera relay connection settings.
type RelayConfig struct {
	// URL is the relay WebSocket endpoint (e.g. "wss://relay.example.com/ws").
	URL string `yaml:"url"`

	// Reconnect tunes the relay's uncapped backoff.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// LiveConfig holds the AI live-session provider settings.
type LiveConfig struct {
	// APIKey authenticates with the provider. When empty, the
	// GEMINI_API_KEY environment variable is used instead.
	APIKey string `yaml:"api_key"`

	// Model is the provider model identifier.
	Model string `yaml:"model"`

	// BaseURL overrides the provider WebSocket endpoint. Used in tests.
	BaseURL string `yaml:"base_url"`

	// Voice is the prebuilt voice name for native audio output.
	Voice string `yaml:"voice"`

	// ResponseModality selects native audio or text responses.
	// Default "audio"; "text" activates the speech queue.
	ResponseModality Modality `yaml:"response_modality"`

	// SystemInstruction is the session's standing prompt.
	SystemInstruction string `yaml:"system_instruction"`

	// TranscribeInput enables transcription of the user's speech.
	TranscribeInput bool `yaml:"transcribe_input"`

	// TranscribeOutput enables transcription of the model's spoken output.
	TranscribeOutput bool `yaml:"transcribe_output"`

	// ProactiveInterval periodically asks the model for fresh guidance
	// while the session is live and a camera is present. Zero disables it.
	ProactiveInterval Duration `yaml:"proactive_interval"`

	// Reconnect tunes the capped session backoff.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// SpeechConfig holds speech-synthesis settings, used when the live session
// runs in text modality.
type SpeechConfig struct {
	// APIKey authenticates with the synthesis provider. When empty, the
	// ELEVENLABS_API_KEY environment variable is used instead.
	APIKey string `yaml:"api_key"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Model is the synthesis model (e.g. "eleven_flash_v2_5").
	Model string `yaml:"model"`

	// FlushLength forces a chunk flush once the pending buffer exceeds
	// this many characters. Default 32.
	FlushLength int `yaml:"flush_length"`

	// Stability in [0,1]. Default 0.5.
	Stability float64 `yaml:"stability"`

	// Clarity (similarity boost) in [0,1]. Default 0.75.
	Clarity float64 `yaml:"clarity"`

	// StyleExaggeration in [0,1]. Zero keeps the neutral style.
	StyleExaggeration float64 `yaml:"style_exaggeration"`

	// PlaybackSpeed multiplies speaking rate. Zero means provider default.
	PlaybackSpeed float64 `yaml:"playback_speed"`
}

// AudioConfig holds device and framing settings for both audio engines.
type AudioConfig struct {
	// CaptureSampleRate is the microphone rate in Hz. Default 16000.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// CaptureBlockSize is the samples-per-block framing. Default 1024.
	CaptureBlockSize int `yaml:"capture_block_size"`

	// PlaybackSampleRate is the render rate in Hz. Default 24000.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	// DisableDevices skips opening real input/output devices. Useful for
	// development hosts without audio hardware.
	DisableDevices bool `yaml:"disable_devices"`
}

// VideoConfig tunes the frame throttle between relay and live session.
type VideoConfig struct {
	// ThrottleInterval is the fixed sampling period for forwarding the
	// latest camera frame. Default 750ms.
	ThrottleInterval Duration `yaml:"throttle_interval"`
}
