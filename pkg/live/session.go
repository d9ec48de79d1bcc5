package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// session is one BidiGenerateContent connection. The owning [Client] creates
// a fresh session per (re)connect; a session never reconnects itself.
type session struct {
	conn *websocket.Conn

	// dead flips when the transport fails, before the close handler runs.
	// The client's send gate consults it so a cached "connected" state
	// never causes a silent write into a dying socket.
	dead atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
}

// dialSession opens the WebSocket and performs the setup handshake.
func dialSession(ctx context.Context, url string, setup setupMessage) (*session, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		ctx:    sessCtx,
		cancel: sessCancel,
		done:   make(chan struct{}),
	}

	if err := s.writeJSON(setup); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("live: setup: %w", err)
	}

	go s.keepaliveLoop()
	return s, nil
}

// writeJSON marshals v and writes it as a text WebSocket message. Writes are
// serialized; capture blocks, throttled frames and text turns come from
// different goroutines.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		s.dead.Store(true)
		return err
	}
	return nil
}

// receiveLoop reads server messages and hands them to onMessage until the
// transport dies, then reports the cause to onClose exactly once. onClose is
// the single authority for what happens next.
func (s *session) receiveLoop(onMessage func(*serverMessage), onClose func(error)) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.dead.Store(true)
			onClose(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frame: drop it, keep the session alive.
			continue
		}
		onMessage(&msg)
	}
}

func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// sendAudio delivers one PCM16 capture block (16 kHz mono).
func (s *session) sendAudio(pcm []byte) error {
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(pcm)},
			},
		},
	})
}

// sendVideo delivers one JPEG camera frame.
func (s *session) sendVideo(jpeg []byte) error {
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(jpeg)},
			},
		},
	})
}

// sendAudioStreamEnd tells the provider the input audio stream is over so it
// can close out any pending transcription turn.
func (s *session) sendAudioStreamEnd() error {
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{AudioStreamEnd: true},
	})
}

// sendText submits a complete user text turn.
func (s *session) sendText(text string) error {
	return s.writeJSON(clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	})
}

// close tears the connection down. Idempotent.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.dead.Store(true)
		s.cancel()
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
}
