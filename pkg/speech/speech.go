// Package speech turns streamed text deltas into ordered spoken audio.
//
// Deltas accumulate in a per-turn pending buffer. The flush policy decides
// when the buffer becomes a chunk: terminal punctuation, a length threshold
// bounding latency for long unpunctuated spans, or a forced flush when the
// turn completes. Chunks are synthesized and played strictly one at a time;
// concurrent synthesis would retire out of textual order and the model's
// output is only comprehensible spoken in order.
package speech

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/echosight/echosight/pkg/audio"
	"github.com/echosight/echosight/pkg/tts"
)

// DefaultFlushLength is the pending-buffer size that forces a flush even
// without terminal punctuation.
const DefaultFlushLength = 32

// Player is the playback surface the queue drives. Implemented by the
// playback engine.
type Player interface {
	Feed(audio.Frame)
	Clear()
	WaitIdle(ctx context.Context) error
}

// chunk is one finalized piece of text stamped with the generation it was
// queued under. A stale generation means an interruption happened after
// queueing and the chunk must not be spoken.
type chunk struct {
	text string
	gen  uint64
}

// Queue buffers text deltas and speaks them through a synthesizer and
// player. All exported methods are safe for concurrent use; Run must be
// called exactly once to start the drain loop.
type Queue struct {
	synth    tts.Synthesizer
	player   Player
	flushLen int
	log      *slog.Logger

	mu      sync.Mutex
	pending strings.Builder
	gen     uint64

	chunks chan chunk
}

// Option configures a [Queue].
type Option func(*Queue)

// WithFlushLength overrides the length threshold. Default 32.
func WithFlushLength(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.flushLen = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

// New creates a speech queue draining into the given synthesizer and player.
func New(synth tts.Synthesizer, player Player, opts ...Option) *Queue {
	q := &Queue{
		synth:    synth,
		player:   player,
		flushLen: DefaultFlushLength,
		log:      slog.Default(),
		chunks:   make(chan chunk, 64),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Append adds a text delta to the pending buffer and flushes it into the
// chunk queue if the flush policy is met.
func (q *Queue) Append(delta string) {
	if delta == "" {
		return
	}
	q.mu.Lock()
	q.pending.WriteString(delta)
	ready := endsInTerminal(q.pending.String()) || q.pending.Len() > q.flushLen
	var c chunk
	if ready {
		c = chunk{text: q.pending.String(), gen: q.gen}
		q.pending.Reset()
	}
	q.mu.Unlock()

	if ready {
		q.enqueue(c)
	}
}

// FlushTurn force-flushes whatever is pending, regardless of punctuation or
// length. Called when the provider signals the turn is complete.
func (q *Queue) FlushTurn() {
	q.mu.Lock()
	var c chunk
	flush := q.pending.Len() > 0
	if flush {
		c = chunk{text: q.pending.String(), gen: q.gen}
		q.pending.Reset()
	}
	q.mu.Unlock()

	if flush {
		q.enqueue(c)
	}
}

// Interrupt discards the pending buffer and every queued chunk, stops any
// audio currently playing, and advances the generation so an in-flight
// synthesis result is discarded when it arrives.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	q.pending.Reset()
	q.gen++
	q.mu.Unlock()

	for {
		select {
		case <-q.chunks:
		default:
			q.player.Clear()
			return
		}
	}
}

// Run drains the chunk queue until ctx is done: synthesize, feed playback,
// wait for it to finish, then take the next chunk. Synthesis failures and
// no-content responses log and skip so one bad chunk never stalls the queue.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-q.chunks:
			if q.stale(c.gen) {
				continue
			}

			frame, err := q.synth.Synthesize(ctx, c.text)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				q.log.Warn("speech: synthesis failed, skipping chunk", "error", err, "chars", len(c.text))
				continue
			}
			if len(frame.Data) == 0 {
				q.log.Debug("speech: provider declined chunk", "chars", len(c.text))
				continue
			}
			// The interruption may have arrived while the request was in
			// flight; its audio must be dropped, not played late.
			if q.stale(c.gen) {
				continue
			}

			q.player.Feed(frame)
			if err := q.player.WaitIdle(ctx); err != nil {
				return err
			}
		}
	}
}

func (q *Queue) stale(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return gen != q.gen
}

func (q *Queue) enqueue(c chunk) {
	select {
	case q.chunks <- c:
	default:
		// Backpressure this deep means synthesis is far behind the model;
		// dropping the oldest pending text would reorder speech, so drop
		// the newest instead.
		q.log.Warn("speech: chunk queue full, dropping chunk", "chars", len(c.text))
	}
}

// endsInTerminal reports whether s ends in sentence-terminal punctuation,
// optionally followed by whitespace.
func endsInTerminal(s string) bool {
	trimmed := strings.TrimRightFunc(s, unicode.IsSpace)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
