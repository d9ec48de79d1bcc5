// Package capture frames microphone audio into fixed-size PCM16 blocks for
// the live session's realtime input path.
package capture

import (
	"log/slog"
	"sync"

	"github.com/echosight/echosight/pkg/audio"
)

// Defaults for the provider's audio input contract.
const (
	DefaultSampleRate = 16000
	DefaultBlockSize  = 1024 // samples per block
)

// Sink receives encoded capture blocks. Implemented by the live session
// client; SendAudio is expected to fail when the session is not open.
type Sink interface {
	SendAudio(pcm []byte) error
	SendAudioStreamEnd() error
}

// Engine accumulates normalized float samples, cuts them into fixed-size
// blocks, quantizes each block to PCM16 and hands it to the sink.
//
// Blocks are never buffered across a closed session: a send failure drops
// the block, because stale audio is worse than gapped audio in a live
// conversation. Safe for concurrent use, though in practice a single device
// callback is the only producer.
type Engine struct {
	sampleRate int
	blockSize  int
	sink       Sink
	log        *slog.Logger

	mu      sync.Mutex
	pending []float32
	stopped bool
}

// Option configures an [Engine].
type Option func(*Engine)

// WithSampleRate overrides the capture sample rate. Default 16000.
func WithSampleRate(rate int) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.sampleRate = rate
		}
	}
}

// WithBlockSize overrides the samples-per-block framing. Default 1024.
func WithBlockSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.blockSize = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New creates a capture engine feeding the given sink.
func New(sink Sink, opts ...Option) *Engine {
	e := &Engine{
		sampleRate: DefaultSampleRate,
		blockSize:  DefaultBlockSize,
		sink:       sink,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SampleRate returns the configured capture rate.
func (e *Engine) SampleRate() int { return e.sampleRate }

// Push appends normalized samples and sends every completed block. Samples
// arriving after Stop are discarded. A send failure drops that block and
// capture continues; the session's own close handling decides what happens
// next, not this path.
func (e *Engine) Push(samples []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}

	e.pending = append(e.pending, samples...)
	for len(e.pending) >= e.blockSize {
		block := e.pending[:e.blockSize]
		e.pending = e.pending[e.blockSize:]

		pcm := audio.Float32ToPCM16(block)
		if err := e.sink.SendAudio(pcm); err != nil {
			e.log.Debug("capture: block dropped", "error", err)
		}
	}
}

// Stop ends the capture stream. Any partial block is discarded and an
// end-of-stream marker is offered to the sink so the provider can close out
// a pending transcription turn. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.pending = nil
	e.mu.Unlock()

	if err := e.sink.SendAudioStreamEnd(); err != nil {
		e.log.Debug("capture: end-of-stream marker not delivered", "error", err)
	}
}
