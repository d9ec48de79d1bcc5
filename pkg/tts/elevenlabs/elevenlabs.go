// Package elevenlabs implements the tts contract against the ElevenLabs
// HTTP API. Each chunk is a single POST returning raw PCM; the streaming
// WebSocket API is deliberately not used because the speech queue already
// serializes chunk-sized requests.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/echosight/echosight/pkg/audio"
	"github.com/echosight/echosight/pkg/tts"
)

const (
	defaultBaseURL      = "https://api.elevenlabs.io"
	defaultModel        = "eleven_flash_v2_5"
	defaultOutputFormat = "pcm_16000"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM"
)

// DefaultSettings are the voice settings used when none are configured.
var DefaultSettings = tts.VoiceSettings{Stability: 0.5, Clarity: 0.75}

// Client calls the ElevenLabs text-to-speech API. It implements
// [tts.Synthesizer] and [tts.VoiceLister].
type Client struct {
	apiKey       string
	baseURL      string
	voiceID      string
	model        string
	outputFormat string
	settings     tts.VoiceSettings
	httpClient   *http.Client
}

var (
	_ tts.Synthesizer = (*Client)(nil)
	_ tts.VoiceLister = (*Client)(nil)
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithVoice sets the voice ID used for synthesis.
func WithVoice(voiceID string) Option {
	return func(c *Client) {
		if voiceID != "" {
			c.voiceID = voiceID
		}
	}
}

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL overrides the API base URL. Used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithOutputFormat sets the audio output format (e.g. "pcm_16000",
// "pcm_24000"). The sample rate of returned frames follows the format.
func WithOutputFormat(format string) Option {
	return func(c *Client) {
		if format != "" {
			c.outputFormat = format
		}
	}
}

// WithSettings overrides the voice settings sent with every request.
func WithSettings(s tts.VoiceSettings) Option {
	return func(c *Client) {
		c.settings = s
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates an ElevenLabs client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	c := &Client{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		voiceID:      defaultVoiceID,
		model:        defaultModel,
		outputFormat: defaultOutputFormat,
		settings:     DefaultSettings,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
}

// synthesizeRequest is the JSON body of a text-to-speech POST.
type synthesizeRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize converts text into a PCM16 frame. A 2xx response with no body
// (the provider declining the chunk) yields a zero frame and nil error.
func (c *Client) Synthesize(ctx context.Context, text string) (audio.Frame, error) {
	if strings.TrimSpace(text) == "" {
		return audio.Frame{}, nil
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:    text,
		ModelID: c.model,
		VoiceSettings: voiceSettings{
			Stability:       c.settings.Stability,
			SimilarityBoost: c.settings.Clarity,
			Style:           c.settings.StyleExaggeration,
			Speed:           c.settings.PlaybackSpeed,
		},
	})
	if err != nil {
		return audio.Frame{}, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", c.baseURL, c.voiceID, c.outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return audio.Frame{}, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return audio.Frame{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return audio.Frame{}, fmt.Errorf("elevenlabs: synthesize: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if len(pcm) == 0 {
		return audio.Frame{}, nil
	}

	return audio.Frame{
		Data:       pcm,
		SampleRate: c.outputSampleRate(),
		Channels:   1,
	}, nil
}

// outputSampleRate derives the frame sample rate from the output format,
// e.g. "pcm_16000" -> 16000. Unknown formats fall back to 16000.
func (c *Client) outputSampleRate() int {
	if rest, ok := strings.CutPrefix(c.outputFormat, "pcm_"); ok {
		if rate, err := strconv.Atoi(rest); err == nil && rate > 0 {
			return rate
		}
	}
	return 16000
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []voiceEntry `json:"voices"`
}

// voiceEntry is a single voice from the ElevenLabs API.
type voiceEntry struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available for the configured API key.
func (c *Client) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}

	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles, nil
}
