// Package relay maintains the duplex connection to the camera-source relay.
//
// The client connects as a viewer: it receives frame previews and presence
// events for the remote camera source and keeps only the most recent frame.
// Camera presence is expected to be intermittent over a long session, so
// reconnection is uncapped; each drop schedules exactly one retry timer and
// a new connect attempt replaces any timer already pending.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/echosight/echosight/internal/reconnect"
)

// Role selects which side of the relay this client is.
type Role string

// Relay roles, sent as the role query parameter at connect time.
const (
	RoleSource Role = "source"
	RoleViewer Role = "viewer"
)

// State of the relay connection.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// EventKind discriminates relay events.
type EventKind int

// Relay event kinds.
const (
	// EventSourcePresence reports a camera source appearing or vanishing.
	EventSourcePresence EventKind = iota

	// EventViewerConnected is the server's welcome snapshot for a viewer.
	EventViewerConnected

	// EventError carries a server-reported error; the channel stays open.
	EventError

	// EventFatal means the server rejected this client and no reconnect
	// will be attempted.
	EventFatal

	// EventDown reports a transport drop; a reconnect timer is pending.
	EventDown
)

// Event is a relay notification delivered on [Channel.Events].
type Event struct {
	Kind            EventKind
	SourceConnected bool
	SessionActive   bool
	Message         string
}

// message is the JSON wire frame of the relay protocol.
type message struct {
	Type            string `json:"type"`
	Data            string `json:"data,omitempty"`
	Message         string `json:"message,omitempty"`
	SourceConnected bool   `json:"source_connected,omitempty"`
	SessionActive   bool   `json:"session_active,omitempty"`
}

// Channel is a relay client. Create with [New], start with [Channel.Connect]
// and stop with [Channel.Close]. All methods are safe for concurrent use.
type Channel struct {
	url    string
	role   Role
	policy reconnect.Policy
	log    *slog.Logger

	timer  reconnect.Timer
	events chan Event

	mu              sync.Mutex
	ctx             context.Context
	conn            *websocket.Conn
	state           State
	attempt         int
	closing         bool
	sourceConnected bool

	frames *FrameStore
}

// Option configures a [Channel].
type Option func(*Channel)

// WithRole sets the relay role. Default viewer.
func WithRole(role Role) Option {
	return func(c *Channel) {
		if role != "" {
			c.role = role
		}
	}
}

// WithReconnectPolicy sets the backoff policy. MaxAttempts is ignored; the
// relay retries indefinitely.
func WithReconnectPolicy(p reconnect.Policy) Option {
	return func(c *Channel) {
		p.MaxAttempts = 0
		c.policy = p
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Channel) {
		if log != nil {
			c.log = log
		}
	}
}

// New creates a relay channel for the given WebSocket URL.
func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:    url,
		role:   RoleViewer,
		policy: reconnect.Policy{},
		log:    slog.Default(),
		events: make(chan Event, 32),
		frames: NewFrameStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the channel's notification stream. Events are dropped,
// not blocked on, if the consumer falls far behind.
func (c *Channel) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SourcePresent reports whether a camera source is currently connected.
func (c *Channel) SourcePresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sourceConnected
}

// Frames returns the store holding the most recent preview frame.
func (c *Channel) Frames() *FrameStore { return c.frames }

// Connect dials the relay. It is a no-op while a connection attempt or an
// open connection exists; a pending reconnect timer is replaced. ctx bounds
// the whole channel lifetime, not just this dial.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closing || c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.ctx = ctx
	c.mu.Unlock()

	c.timer.Cancel()
	go c.dial(ctx)
}

func (c *Channel) dial(ctx context.Context) {
	url := fmt.Sprintf("%s?role=%s", c.url, c.role)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		closing := c.closing
		c.mu.Unlock()
		if closing || ctx.Err() != nil {
			return
		}
		c.log.Warn("relay: connect failed", "error", err, "attempt", c.currentAttempt())
		c.scheduleReconnect(ctx)
		return
	}
	// Relay frames can be large JPEG payloads.
	conn.SetReadLimit(8 << 20)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "shutting down")
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.attempt = 0
	c.mu.Unlock()

	c.log.Info("relay: connected", "role", string(c.role))
	go c.receiveLoop(ctx, conn)
}

// receiveLoop reads relay messages until the transport dies, then owns the
// reconnect decision.
func (c *Channel) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(ctx, err)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("relay: dropping malformed message", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg message) {
	switch msg.Type {
	case "source_connected":
		c.setPresence(true)
		c.emit(Event{Kind: EventSourcePresence, SourceConnected: true})

	case "source_disconnected":
		// The last preview is stale the moment the source is gone.
		c.setPresence(false)
		c.frames.Clear()
		c.emit(Event{Kind: EventSourcePresence, SourceConnected: false})

	case "video_preview":
		frame, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			c.log.Debug("relay: dropping undecodable frame", "error", err)
			return
		}
		c.frames.Update(frame)

	case "viewer_connected":
		c.setPresence(msg.SourceConnected)
		c.emit(Event{
			Kind:            EventViewerConnected,
			SourceConnected: msg.SourceConnected,
			SessionActive:   msg.SessionActive,
		})

	case "error":
		if c.role == RoleSource && strings.Contains(msg.Message, "already active") {
			// Another source holds the slot; retrying would fight it.
			c.log.Error("relay: rejected by server", "message", msg.Message)
			c.mu.Lock()
			c.closing = true
			conn := c.conn
			c.conn = nil
			c.mu.Unlock()
			c.emit(Event{Kind: EventFatal, Message: msg.Message})
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "rejected")
			}
			return
		}
		c.log.Warn("relay: server error", "message", msg.Message)
		c.emit(Event{Kind: EventError, Message: msg.Message})

	default:
		c.log.Debug("relay: unknown message type", "type", msg.Type)
	}
}

// handleClose runs when the transport drops for any reason.
func (c *Channel) handleClose(ctx context.Context, cause error) {
	c.mu.Lock()
	c.conn = nil
	c.state = StateDisconnected
	c.sourceConnected = false
	closing := c.closing
	c.mu.Unlock()
	c.frames.Clear()

	if closing || ctx.Err() != nil {
		return
	}

	c.log.Warn("relay: connection lost", "error", cause)
	c.emit(Event{Kind: EventDown, Message: fmt.Sprint(cause)})
	c.scheduleReconnect(ctx)
}

func (c *Channel) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	attempt := c.attempt
	c.attempt++
	c.mu.Unlock()

	delay := c.policy.DelayFor(attempt)
	c.log.Info("relay: scheduling reconnect", "attempt", attempt+1, "delay", delay)
	c.timer.Start(delay, func() {
		c.Connect(ctx)
	})
}

// Close tears the channel down and suppresses any further reconnects.
// Safe to call multiple times.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.state = StateClosing
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.timer.Cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "shutting down")
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Channel) setPresence(present bool) {
	c.mu.Lock()
	c.sourceConnected = present
	c.mu.Unlock()
}

func (c *Channel) currentAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("relay: event dropped, consumer behind", "kind", ev.Kind)
	}
}
