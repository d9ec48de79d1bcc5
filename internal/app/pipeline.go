package app

import (
	"context"
	"fmt"
	"time"

	"github.com/echosight/echosight/internal/observe"
	"github.com/echosight/echosight/pkg/audio"
	"github.com/echosight/echosight/pkg/live"
	"github.com/echosight/echosight/pkg/relay"
	"github.com/echosight/echosight/pkg/tts"
)

// proactivePrompt is sent on the proactive interval so guidance keeps
// flowing even when the user says nothing.
const proactivePrompt = "Briefly describe any new obstacles, hazards or changes in my surroundings since your last update."

// liveEventLoop consumes session events and routes them into the audio and
// speech paths. It returns an error only for unrecoverable session failures,
// which cancels the whole group.
func (a *App) liveEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.session.Events():
			switch ev.Kind {
			case live.EventConnected:
				a.metrics.RecordTransition(ctx, "live")

			case live.EventAudio:
				a.playback.Feed(audio.Frame{
					Data:       ev.Audio,
					SampleRate: live.OutputSampleRate,
					Channels:   1,
				})

			case live.EventText:
				if a.speech != nil {
					a.speech.Append(ev.Text)
				} else {
					a.log.Debug("text delta without speech queue", "text", ev.Text)
				}

			case live.EventInterrupted:
				// Stale audio must stop now, not after the queue drains.
				a.playback.Clear()
				if a.speech != nil {
					a.speech.Interrupt()
				}
				a.metrics.RecordTransition(ctx, "interrupted")

			case live.EventTurnComplete:
				if a.speech != nil {
					a.speech.FlushTurn()
				}

			case live.EventInputTranscription:
				a.log.Debug("heard", "text", ev.Text)

			case live.EventOutputTranscription:
				a.log.Debug("spoke", "text", ev.Text)

			case live.EventDown:
				a.metrics.RecordTransition(ctx, "disconnected")
				a.metrics.RecordReconnect(ctx, "live")

			case live.EventFatal:
				a.metrics.RecordFatalClose(ctx, "live")
				return fmt.Errorf("%w: live session rejected: %s", ErrUnrecoverable, ev.Text)

			case live.EventReconnectLimit:
				a.metrics.RecordFatalClose(ctx, "live")
				return fmt.Errorf("%w: live session %s", ErrUnrecoverable, ev.Text)
			}
		}
	}
}

// relayEventLoop consumes relay events. Presence changes are informational
// here; the frame store and throttle handle their data-path consequences.
func (a *App) relayEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.relay.Events():
			switch ev.Kind {
			case relay.EventSourcePresence:
				if ev.SourceConnected {
					a.log.Info("camera source connected")
				} else {
					a.log.Info("camera source disconnected")
				}

			case relay.EventViewerConnected:
				a.log.Info("relay joined",
					"source_connected", ev.SourceConnected,
					"session_active", ev.SessionActive,
				)

			case relay.EventError:
				a.log.Warn("relay reported error", "message", ev.Message)

			case relay.EventDown:
				a.metrics.RecordReconnect(ctx, "relay")

			case relay.EventFatal:
				a.metrics.RecordFatalClose(ctx, "relay")
				return fmt.Errorf("%w: relay rejected: %s", ErrUnrecoverable, ev.Message)
			}
		}
	}
}

// frameThrottleLoop forwards the freshest camera frame to the live session
// at a fixed interval. Frames arriving faster than the interval are
// overwritten in the store, never queued, so the provider always sees the
// most recent view.
func (a *App) frameThrottleLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Video.ThrottleInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !a.relay.SourcePresent() {
				a.metrics.RecordFrameSkipped(ctx, "no_source")
				continue
			}
			frame := a.relay.Frames().Take()
			if frame == nil {
				a.metrics.RecordFrameSkipped(ctx, "stale")
				continue
			}
			if err := a.session.SendVideo(frame); err != nil {
				a.metrics.RecordFrameSkipped(ctx, "send_failed")
				a.log.Debug("frame not forwarded", "error", err)
				continue
			}
			a.metrics.FramesForwarded.Add(ctx, 1)
		}
	}
}

// proactiveLoop periodically nudges the model for fresh guidance while the
// session is live and a camera source is present.
func (a *App) proactiveLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Live.ProactiveInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if a.session.State() != live.StateLive || !a.relay.SourcePresent() {
				continue
			}
			if err := a.session.SendText(proactivePrompt); err != nil {
				a.log.Debug("proactive prompt not sent", "error", err)
			}
		}
	}
}

// meteredSink counts capture blocks that actually reached the session.
type meteredSink struct {
	session liveClient
	metrics *observe.Metrics
}

func (s *meteredSink) SendAudio(pcm []byte) error {
	err := s.session.SendAudio(pcm)
	if err == nil {
		s.metrics.AudioBlocksSent.Add(context.Background(), 1)
	}
	return err
}

func (s *meteredSink) SendAudioStreamEnd() error {
	return s.session.SendAudioStreamEnd()
}

// meteredSynth wraps a synthesizer with a span and latency histogram per
// chunk.
type meteredSynth struct {
	synth   tts.Synthesizer
	metrics *observe.Metrics
}

func (m *meteredSynth) Synthesize(ctx context.Context, text string) (audio.Frame, error) {
	ctx, span := observe.StartSpan(ctx, "speech.synthesize")
	defer span.End()

	start := time.Now()
	frame, err := m.synth.Synthesize(ctx, text)
	elapsed := time.Since(start).Seconds()

	switch {
	case err != nil:
		m.metrics.RecordSynthesis(ctx, elapsed, "error")
	case len(frame.Data) == 0:
		m.metrics.RecordSynthesis(ctx, elapsed, "skip")
	default:
		m.metrics.RecordSynthesis(ctx, elapsed, "ok")
	}
	return frame, err
}
