// Package live maintains the bidirectional session with the AI conversation
// provider over the BidiGenerateContent WebSocket protocol.
//
// The [Client] owns the session state machine and its reconnect policy:
// Disconnected -> Connecting -> Live -> {Interrupted -> Live | Disconnected}.
// Transport loss is classified as fatal or retryable by close code; only
// retryable closes schedule backoff, and the close handler is the single
// authority for that decision. Send failures merely correct the cached state
// and report, they never reconnect.
package live

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/echosight/echosight/internal/reconnect"
)

// Defaults for the provider connection.
const (
	DefaultModel   = "gemini-2.5-flash-native-audio-latest"
	DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	DefaultVoice   = "Puck"

	// OutputSampleRate is the rate of the provider's native audio output.
	OutputSampleRate = 24000
)

// ErrNotConnected is returned by the send paths when no live session exists.
var ErrNotConnected = errors.New("live: session not connected")

// Modality selects what the model streams back.
type Modality string

// Response modalities.
const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// State of the live session.
type State int

// Session states. Interrupted is a transient sub-state of Live: the provider
// cancelled an in-progress turn without closing the connection.
const (
	StateDisconnected State = iota
	StateConnecting
	StateLive
	StateInterrupted
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// EventKind discriminates session events.
type EventKind int

// Session event kinds.
const (
	// EventConnected fires when a session reaches Live.
	EventConnected EventKind = iota

	// EventAudio carries decoded native PCM output (24 kHz mono).
	EventAudio

	// EventText carries an incremental text delta of the current turn.
	EventText

	// EventInputTranscription carries recognized user speech.
	EventInputTranscription

	// EventOutputTranscription carries the text form of spoken model output.
	EventOutputTranscription

	// EventInterrupted means the provider cancelled the in-progress turn.
	EventInterrupted

	// EventTurnComplete closes out the current turn.
	EventTurnComplete

	// EventError carries a non-fatal provider error; the session stays up.
	EventError

	// EventDown reports a retryable transport loss; backoff is scheduled.
	EventDown

	// EventFatal means the provider rejected the session. No reconnect.
	EventFatal

	// EventReconnectLimit fires exactly once when the attempt cap is hit.
	EventReconnectLimit
)

// Event is a session notification delivered in arrival order on
// [Client.Events].
type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
}

// Client manages the live session lifecycle. All methods are safe for
// concurrent use.
type Client struct {
	apiKey       string
	model        string
	baseURL      string
	voice        string
	instructions string
	modality     Modality
	transcribeIn bool
	transcribeOut bool
	policy       reconnect.Policy
	log          *slog.Logger

	timer  reconnect.Timer
	events chan Event

	mu           sync.Mutex
	ctx          context.Context
	sess         *session
	state        State
	attempt      int
	closing      bool
	limitReached bool
}

// Option configures a [Client].
type Option func(*Client)

// WithModel sets the provider model. Default gemini-2.5-flash-native-audio-latest.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL overrides the WebSocket base URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithVoice sets the prebuilt voice used for native audio output.
func WithVoice(voice string) Option {
	return func(c *Client) {
		if voice != "" {
			c.voice = voice
		}
	}
}

// WithSystemInstruction sets the session's system instruction.
func WithSystemInstruction(text string) Option {
	return func(c *Client) { c.instructions = text }
}

// WithModality selects audio or text responses. Default audio.
func WithModality(m Modality) Option {
	return func(c *Client) {
		if m != "" {
			c.modality = m
		}
	}
}

// WithTranscription toggles input and output speech transcription.
func WithTranscription(input, output bool) Option {
	return func(c *Client) {
		c.transcribeIn = input
		c.transcribeOut = output
	}
}

// WithReconnectPolicy sets the backoff policy. The default caps at 10
// attempts with 1s doubling to 30s.
func WithReconnectPolicy(p reconnect.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New creates a live session client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:        apiKey,
		model:         DefaultModel,
		baseURL:       DefaultBaseURL,
		voice:         DefaultVoice,
		modality:      ModalityAudio,
		transcribeIn:  true,
		transcribeOut: true,
		policy:        reconnect.Policy{MaxAttempts: 10},
		log:           slog.Default(),
		events:        make(chan Event, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the session's notification stream. Events for one session
// arrive in protocol order.
func (c *Client) Events() <-chan Event { return c.events }

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts a connection attempt. It is idempotent while a connection
// attempt or open session exists, and replaces any pending reconnect timer.
// ctx bounds the client's whole lifetime, not just this dial.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closing || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.limitReached = false
	c.ctx = ctx
	c.mu.Unlock()

	c.timer.Cancel()
	go c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) {
	sess, err := dialSession(ctx, c.wsURL(), c.setup())
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		closing := c.closing
		c.mu.Unlock()
		if closing || ctx.Err() != nil {
			return
		}
		c.log.Warn("live: connect failed", "error", err)
		c.scheduleReconnect(ctx)
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		sess.close()
		return
	}
	c.sess = sess
	c.state = StateLive
	c.attempt = 0
	c.mu.Unlock()

	c.log.Info("live: session open", "model", c.model, "modality", string(c.modality))
	c.emit(ctx, Event{Kind: EventConnected})

	go sess.receiveLoop(
		func(msg *serverMessage) { c.dispatch(ctx, msg) },
		func(cause error) { c.handleClose(ctx, sess, cause) },
	)
}

func (c *Client) wsURL() string {
	return fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		c.baseURL, c.apiKey,
	)
}

func (c *Client) setup() setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", c.model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(c.modality)},
			},
		},
	}
	if c.instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: c.instructions}},
		}
	}
	if c.modality == ModalityAudio && c.voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: c.voice},
			},
		}
	}
	if c.transcribeIn {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if c.transcribeOut {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Incoming dispatch ──────────────────────────────────────────────────────────

func (c *Client) dispatch(ctx context.Context, msg *serverMessage) {
	if msg.Error != nil {
		// Errors log and surface but never drive state; the close handler
		// alone decides transitions.
		c.log.Warn("live: provider error", "code", msg.Error.Code, "message", msg.Error.Message)
		c.emit(ctx, Event{Kind: EventError, Text: msg.Error.Message})
	}
	if msg.ServerContent != nil {
		c.dispatchContent(ctx, msg.ServerContent)
	}
}

func (c *Client) dispatchContent(ctx context.Context, sc *serverContent) {
	if sc.Interrupted {
		c.setState(StateInterrupted)
		c.emit(ctx, Event{Kind: EventInterrupted})
	}

	if sc.ModelTurn != nil {
		c.setState(StateLive)
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				c.emit(ctx, Event{Kind: EventAudio, Audio: pcm})
			}
			if p.Text != "" {
				c.emit(ctx, Event{Kind: EventText, Text: p.Text})
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		c.emit(ctx, Event{Kind: EventInputTranscription, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		c.emit(ctx, Event{Kind: EventOutputTranscription, Text: sc.OutputTranscription.Text})
	}

	if sc.TurnComplete {
		c.setState(StateLive)
		c.emit(ctx, Event{Kind: EventTurnComplete})
	}
}

// setState moves between Live and Interrupted only; connection-level
// transitions go through dial, handleClose and Close.
func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == StateLive || c.state == StateInterrupted {
		c.state = s
	}
	c.mu.Unlock()
}

// ── Close handling and reconnect ───────────────────────────────────────────────

// handleClose runs exactly once per session when its transport dies.
func (c *Client) handleClose(ctx context.Context, sess *session, cause error) {
	c.mu.Lock()
	if c.sess != sess {
		// A stale session's close must not disturb its replacement.
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = StateDisconnected
	closing := c.closing
	c.mu.Unlock()

	if closing || ctx.Err() != nil {
		return
	}

	status := websocket.CloseStatus(cause)
	if isFatalClose(status) {
		c.log.Error("live: session rejected", "status", int(status), "reason", cause)
		c.emit(ctx, Event{Kind: EventFatal, Text: cause.Error()})
		return
	}

	c.log.Warn("live: session lost", "error", cause)
	c.emit(ctx, Event{Kind: EventDown, Text: cause.Error()})
	c.scheduleReconnect(ctx)
}

func (c *Client) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	attempt := c.attempt
	if c.policy.Exhausted(attempt) {
		already := c.limitReached
		c.limitReached = true
		c.mu.Unlock()
		if !already {
			c.log.Error("live: reconnect limit reached", "attempts", attempt)
			c.emit(ctx, Event{Kind: EventReconnectLimit, Text: fmt.Sprintf("gave up after %d attempts", attempt)})
		}
		return
	}
	c.attempt++
	c.mu.Unlock()

	delay := c.policy.DelayFor(attempt)
	c.log.Info("live: scheduling reconnect", "attempt", attempt+1, "delay", delay)
	c.timer.Start(delay, func() {
		c.Connect(ctx)
	})
}

// isFatalClose reports whether a close status is a policy or protocol
// rejection that retrying cannot fix.
func isFatalClose(status websocket.StatusCode) bool {
	switch status {
	case websocket.StatusProtocolError,
		websocket.StatusUnsupportedData,
		websocket.StatusPolicyViolation:
		return true
	}
	// Application range used for authorization rejections.
	return status >= 4400 && status <= 4403
}

// ── Gated send paths ───────────────────────────────────────────────────────────

// send is the single gated write path. It verifies a session object exists,
// that the cached state says connected, and that the transport itself is
// still alive; on disagreement it corrects the cached state and fails
// instead of writing into a dead channel.
func (c *Client) send(fn func(*session) error) error {
	c.mu.Lock()
	sess := c.sess
	state := c.state
	c.mu.Unlock()

	if sess == nil || (state != StateLive && state != StateInterrupted) {
		return ErrNotConnected
	}
	if sess.dead.Load() {
		c.correctState(sess)
		return ErrNotConnected
	}

	if err := fn(sess); err != nil {
		c.correctState(sess)
		c.log.Warn("live: send failed", "error", err)
		return fmt.Errorf("live: send: %w", err)
	}
	return nil
}

// correctState flips the cached state to Disconnected when the transport
// turned out to be dead. It deliberately does not schedule a reconnect; the
// close handler owns that decision.
func (c *Client) correctState(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

// SendAudio streams one PCM16 capture block (16 kHz mono) to the provider.
func (c *Client) SendAudio(pcm []byte) error {
	return c.send(func(s *session) error { return s.sendAudio(pcm) })
}

// SendVideo streams one JPEG camera frame to the provider.
func (c *Client) SendVideo(jpeg []byte) error {
	return c.send(func(s *session) error { return s.sendVideo(jpeg) })
}

// SendText submits a complete user text turn.
func (c *Client) SendText(text string) error {
	return c.send(func(s *session) error { return s.sendText(text) })
}

// SendAudioStreamEnd marks the end of the input audio stream.
func (c *Client) SendAudioStreamEnd() error {
	return c.send(func(s *session) error { return s.sendAudioStreamEnd() })
}

// Close tears the session down and suppresses any further reconnects.
// Safe to call multiple times.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	sess := c.sess
	c.sess = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.timer.Cancel()
	if sess != nil {
		sess.close()
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}
