package audio

import "time"

// Frame is a block of signed 16-bit little-endian PCM samples flowing through
// the pipeline. Frames are the atomic unit of audio transport: captured from
// the microphone, received from the live provider, or returned by speech
// synthesis, then handed to the playback queue. A frame is immutable once
// produced; ownership passes to whichever queue consumes it.
type Frame struct {
	// Data holds the raw PCM16LE samples.
	Data []byte

	// SampleRate in Hz (16000 for mic capture and synthesis, 24000 for the
	// provider's native audio).
	SampleRate int

	// Channels is 1 everywhere in this pipeline; kept explicit so a frame
	// carries its full format.
	Channels int

	// Timestamp marks when this frame was produced, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame, or zero when the
// format fields are unset.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
