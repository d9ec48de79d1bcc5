// Package app wires the echosight subsystems into a running client.
//
// The App owns the full pipeline: the relay channel delivering camera
// frames, the live session carrying audio and video to the AI provider, the
// capture and playback engines on either end of the audio path, and the
// speech queue used when the provider answers in text. New builds everything
// from config, Run executes the event loops until the context is cancelled
// or a channel fails unrecoverably, and teardown happens inside Run in a
// fixed order so no goroutine writes into a closed subsystem.
//
// For testing, inject fakes via the functional options (WithRelay, WithLive,
// WithSynthesizer, ...). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/echosight/echosight/internal/config"
	"github.com/echosight/echosight/internal/health"
	"github.com/echosight/echosight/internal/observe"
	"github.com/echosight/echosight/internal/reconnect"
	"github.com/echosight/echosight/pkg/audio/capture"
	"github.com/echosight/echosight/pkg/audio/playback"
	"github.com/echosight/echosight/pkg/live"
	"github.com/echosight/echosight/pkg/relay"
	"github.com/echosight/echosight/pkg/speech"
	"github.com/echosight/echosight/pkg/tts"
	"github.com/echosight/echosight/pkg/tts/elevenlabs"
)

// ErrUnrecoverable is returned by Run when a channel failed in a way no
// reconnect can fix, so the process should exit instead of idling deaf.
var ErrUnrecoverable = errors.New("app: unrecoverable channel failure")

// relayChannel is the surface of [relay.Channel] the app drives.
type relayChannel interface {
	Connect(ctx context.Context)
	Events() <-chan relay.Event
	Frames() *relay.FrameStore
	SourcePresent() bool
	State() relay.State
	Close()
}

// liveClient is the surface of [live.Client] the app drives.
type liveClient interface {
	Connect(ctx context.Context)
	Events() <-chan live.Event
	SendAudio(pcm []byte) error
	SendVideo(jpeg []byte) error
	SendText(text string) error
	SendAudioStreamEnd() error
	State() live.State
	Close()
}

// App owns all subsystem lifetimes and runs the streaming pipeline.
type App struct {
	cfg *config.Config
	log *slog.Logger

	relay   relayChannel
	session liveClient
	synth   tts.Synthesizer

	playback *playback.Engine
	capture  *capture.Engine
	speech   *speech.Queue

	metrics *observe.Metrics
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRelay injects a relay channel instead of dialing the configured URL.
func WithRelay(c relayChannel) Option {
	return func(a *App) { a.relay = c }
}

// WithLive injects a live session client instead of creating one from config.
func WithLive(c liveClient) Option {
	return func(a *App) { a.session = c }
}

// WithSynthesizer injects a speech synthesizer. Only consulted in text
// modality.
func WithSynthesizer(s tts.Synthesizer) Option {
	return func(a *App) { a.synth = s }
}

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) {
		if log != nil {
			a.log = log
		}
	}
}

// New creates an App by wiring all subsystems from cfg. Construction is
// synchronous and touches no network or hardware; Run does that.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.playback = playback.New(
		playback.WithSampleRate(cfg.Audio.PlaybackSampleRate),
		playback.WithLogger(a.log.With("component", "playback")),
	)
	if err := a.metrics.ObservePlaybackUnderruns(func() int64 {
		return int64(a.playback.Underruns())
	}); err != nil {
		return nil, fmt.Errorf("app: register underrun metric: %w", err)
	}

	if a.relay == nil {
		a.relay = relay.New(cfg.Relay.URL,
			relay.WithReconnectPolicy(policyFrom(cfg.Relay.Reconnect)),
			relay.WithLogger(a.log.With("component", "relay")),
		)
	}
	if a.session == nil {
		a.session = live.New(cfg.Live.APIKey,
			live.WithModel(cfg.Live.Model),
			live.WithBaseURL(cfg.Live.BaseURL),
			live.WithVoice(cfg.Live.Voice),
			live.WithModality(liveModality(cfg.Live.ResponseModality)),
			live.WithSystemInstruction(cfg.Live.SystemInstruction),
			live.WithTranscription(cfg.Live.TranscribeInput, cfg.Live.TranscribeOutput),
			live.WithReconnectPolicy(policyFrom(cfg.Live.Reconnect)),
			live.WithLogger(a.log.With("component", "live")),
		)
	}

	a.capture = capture.New(
		&meteredSink{session: a.session, metrics: a.metrics},
		capture.WithSampleRate(cfg.Audio.CaptureSampleRate),
		capture.WithBlockSize(cfg.Audio.CaptureBlockSize),
		capture.WithLogger(a.log.With("component", "capture")),
	)

	if cfg.Live.ResponseModality == config.ModalityText {
		if a.synth == nil {
			client, err := elevenlabs.New(cfg.Speech.APIKey,
				elevenlabs.WithVoice(cfg.Speech.VoiceID),
				elevenlabs.WithModel(cfg.Speech.Model),
				elevenlabs.WithSettings(tts.VoiceSettings{
					Stability:         cfg.Speech.Stability,
					Clarity:           cfg.Speech.Clarity,
					StyleExaggeration: cfg.Speech.StyleExaggeration,
					PlaybackSpeed:     cfg.Speech.PlaybackSpeed,
				}),
			)
			if err != nil {
				return nil, fmt.Errorf("app: create synthesizer: %w", err)
			}
			a.synth = client
		}
		a.speech = speech.New(
			&meteredSynth{synth: a.synth, metrics: a.metrics},
			a.playback,
			speech.WithFlushLength(cfg.Speech.FlushLength),
			speech.WithLogger(a.log.With("component", "speech")),
		)
	}

	return a, nil
}

// Run connects both channels, opens the audio devices, and executes the
// event loops until ctx is cancelled or a channel fails unrecoverably.
// Teardown happens before Run returns: capture stops first so the
// end-of-stream marker can still be delivered, then devices, then channels,
// then playback.
func (a *App) Run(ctx context.Context) error {
	var captureDev, playbackDev interface{ Close() }
	if !a.cfg.Audio.DisableDevices {
		dev, err := playback.OpenDevice(a.playback, a.log)
		if err != nil {
			return fmt.Errorf("app: open playback device: %w", err)
		}
		playbackDev = dev

		dev2, err := capture.OpenDevice(a.capture, a.log)
		if err != nil {
			dev.Close()
			return fmt.Errorf("app: open capture device: %w", err)
		}
		captureDev = dev2
	}

	a.relay.Connect(ctx)
	a.session.Connect(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.liveEventLoop(gctx) })
	g.Go(func() error { return a.relayEventLoop(gctx) })
	g.Go(func() error { return a.frameThrottleLoop(gctx) })
	if a.cfg.Live.ProactiveInterval > 0 {
		g.Go(func() error { return a.proactiveLoop(gctx) })
	}
	if a.speech != nil {
		g.Go(func() error { return a.speech.Run(gctx) })
	}
	if a.cfg.MetricsAddr != "" {
		a.startDiagnostics(gctx, g)
	}

	a.log.Info("echosight running",
		"relay", a.cfg.Relay.URL,
		"model", a.cfg.Live.Model,
		"modality", string(a.cfg.Live.ResponseModality),
	)

	err := g.Wait()

	a.capture.Stop()
	if captureDev != nil {
		captureDev.Close()
	}
	if playbackDev != nil {
		playbackDev.Close()
	}
	a.session.Close()
	a.relay.Close()
	a.playback.Close()

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// startDiagnostics serves /metrics, /healthz and /readyz on MetricsAddr.
func (a *App) startDiagnostics(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "relay", Check: a.checkRelay},
		health.Checker{Name: "live", Check: a.checkLive},
	).Register(mux)

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		a.log.Info("diagnostics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: diagnostics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	})
}

func (a *App) checkRelay(context.Context) error {
	if s := a.relay.State(); s != relay.StateOpen {
		return fmt.Errorf("relay %s", s)
	}
	return nil
}

func (a *App) checkLive(context.Context) error {
	switch s := a.session.State(); s {
	case live.StateLive, live.StateInterrupted:
		return nil
	default:
		return fmt.Errorf("session %s", s)
	}
}

// policyFrom maps a config reconnect block onto a backoff policy, leaving
// zero fields to the policy defaults.
func policyFrom(rc config.ReconnectConfig) reconnect.Policy {
	return reconnect.Policy{
		Base:        rc.Base.Std(),
		Max:         rc.Max.Std(),
		MaxAttempts: rc.MaxAttempts,
	}
}

func liveModality(m config.Modality) live.Modality {
	if m == config.ModalityText {
		return live.ModalityText
	}
	return live.ModalityAudio
}
