// Package tts defines the contract to the external speech-synthesis
// provider. The provider is an opaque network service: one finalized text
// chunk in, PCM audio out, or a no-content signal meaning "skip this chunk".
package tts

import (
	"context"

	"github.com/echosight/echosight/pkg/audio"
)

// VoiceProfile identifies a synthesis voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the backing service, e.g. "elevenlabs".
	Provider string

	// Metadata holds provider-specific labels (accent, category, ...).
	Metadata map[string]string
}

// VoiceSettings tunes how a voice renders a chunk.
type VoiceSettings struct {
	// Stability in [0,1]. Lower values vary delivery more between calls.
	Stability float64

	// Clarity in [0,1]; the provider calls this similarity boost.
	Clarity float64

	// StyleExaggeration in [0,1]. Zero keeps the voice's neutral style.
	StyleExaggeration float64

	// PlaybackSpeed multiplies speaking rate. Zero means provider default.
	PlaybackSpeed float64
}

// Synthesizer converts one text chunk into audio.
//
// A zero-length frame with a nil error means the provider declined the
// request (no content); callers skip the chunk and continue. Errors are
// request failures and are likewise skipped by the speech queue, never
// propagated as fatal.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio.Frame, error)
}

// VoiceLister enumerates the voices available to the configured credentials.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
