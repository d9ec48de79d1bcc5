// Package playback renders decoded audio as a continuous output stream.
//
// The engine is pull based: the output device asks for samples on its own
// schedule via [Engine.Read], and the engine answers from a FIFO of queued
// frames. When the queue runs dry the engine emits silence instead of
// blocking, so the device never stalls or underruns audibly. Irregular frame
// arrival from the network therefore surfaces as quiet gaps, not glitches.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/echosight/echosight/pkg/audio"
)

// DefaultSampleRate matches the live provider's native output audio.
const DefaultSampleRate = 24000

// Engine queues decoded PCM16 frames and serves them byte-exact to a pull
// consumer. All methods are safe for concurrent use; Clear is atomic with
// respect to an in-progress Read, so a render tick never sees half of a
// cleared frame.
type Engine struct {
	sampleRate int
	log        *slog.Logger

	mu        sync.Mutex
	queue     [][]byte
	cursor    int // byte offset into queue[0]
	closed    bool
	underruns uint64
}

// Option configures an [Engine].
type Option func(*Engine)

// WithSampleRate overrides the render sample rate. Default 24000.
func WithSampleRate(rate int) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.sampleRate = rate
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

// New creates a playback engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		sampleRate: DefaultSampleRate,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SampleRate returns the rate the engine renders at.
func (e *Engine) SampleRate() int { return e.sampleRate }

// Feed appends a frame to the playback queue. Frames at a different sample
// rate are resampled to the engine's rate first, so 16 kHz synthesis output
// and 24 kHz native provider audio can share one queue. Empty frames and
// frames fed after Close are dropped.
func (e *Engine) Feed(f audio.Frame) {
	data := f.Data
	if f.SampleRate > 0 && f.SampleRate != e.sampleRate {
		data = audio.ResampleMono16(data, f.SampleRate, e.sampleRate)
	}
	if len(data) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, data)
}

// Read fills p with the next queued samples and zero-fills any remainder.
// It always fills all of len(p): absence of data yields silence, never a
// short read. This is the render callback's entry point.
func (e *Engine) Read(p []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for n < len(p) && len(e.queue) > 0 {
		head := e.queue[0]
		c := copy(p[n:], head[e.cursor:])
		n += c
		e.cursor += c
		if e.cursor >= len(head) {
			e.queue = e.queue[1:]
			e.cursor = 0
		}
	}
	if n < len(p) {
		// A partial fill means the queue ran dry mid-stream. A fill from
		// zero is the normal idle state, not an underrun.
		if n > 0 {
			e.underruns++
		}
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
	}
	return len(p)
}

// Clear discards all queued audio and resets the drain cursor. Used on
// interruption so stale speech is never rendered.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = nil
	e.cursor = 0
}

// Buffered returns the duration of audio currently queued.
func (e *Engine) Buffered() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	bytes := -e.cursor
	for _, f := range e.queue {
		bytes += len(f)
	}
	if bytes <= 0 {
		return 0
	}
	return time.Duration(bytes/2) * time.Second / time.Duration(e.sampleRate)
}

// Idle reports whether the queue is empty.
func (e *Engine) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) == 0 && e.cursor == 0
}

// WaitIdle blocks until the queue has fully drained or ctx is done. The
// speech drain loop uses this to serialize chunk playback.
func (e *Engine) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Underruns returns how many render ticks ran dry mid-stream.
func (e *Engine) Underruns() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.underruns
}

// Close discards queued audio and rejects further feeds. Reads after Close
// return silence so a device callback still in flight stays well defined.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.queue = nil
	e.cursor = 0
}
