package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/echosight/echosight/internal/reconnect"
)

// startLiveServer starts a WebSocket test server standing in for the
// provider endpoint.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func liveURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("server unmarshal: %v", err)
	}
	return m
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func waitEvent(t *testing.T, c *Client, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
			return Event{}
		}
	}
}

func fastPolicy(maxAttempts int) reconnect.Policy {
	return reconnect.Policy{
		Base:        10 * time.Millisecond,
		Max:         50 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
}

func newTestClient(srv *httptest.Server, opts ...Option) *Client {
	base := []Option{
		WithBaseURL(liveURL(srv)),
		WithReconnectPolicy(fastPolicy(10)),
	}
	return New("test-key", append(base, opts...)...)
}

func TestConnectSendsSetup(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn) {
		setupCh <- readJSON(t, conn)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newTestClient(srv,
		WithModel("test-model"),
		WithVoice("Puck"),
		WithSystemInstruction("Guide the user."),
	)
	defer c.Close()
	c.Connect(context.Background())

	var setup map[string]any
	select {
	case setup = <-setupCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received setup")
	}

	s := setup["setup"].(map[string]any)
	if got := s["model"]; got != "models/test-model" {
		t.Errorf("model = %v", got)
	}
	gen := s["generationConfig"].(map[string]any)
	mods := gen["responseModalities"].([]any)
	if len(mods) != 1 || mods[0] != "AUDIO" {
		t.Errorf("responseModalities = %v", mods)
	}
	if _, ok := s["inputAudioTranscription"]; !ok {
		t.Error("setup missing inputAudioTranscription")
	}
	if _, ok := s["outputAudioTranscription"]; !ok {
		t.Error("setup missing outputAudioTranscription")
	}
	si := s["systemInstruction"].(map[string]any)
	if parts := si["parts"].([]any); parts[0].(map[string]any)["text"] != "Guide the user." {
		t.Errorf("systemInstruction = %v", si)
	}

	waitEvent(t, c, EventConnected)
	if c.State() != StateLive {
		t.Errorf("state = %v, want live", c.State())
	}
}

func TestSendAudioShape(t *testing.T) {
	t.Parallel()

	msgCh := make(chan map[string]any, 4)
	srv := startLiveServer(t, func(conn *websocket.Conn) {
		readJSON(t, conn) // setup
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			var m map[string]any
			json.Unmarshal(data, &m)
			msgCh <- m
		}
	})

	c := newTestClient(srv)
	defer c.Close()
	c.Connect(context.Background())
	waitEvent(t, c, EventConnected)

	pcm := []byte{1, 2, 3, 4}
	if err := c.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case m := <-msgCh:
		ri := m["realtimeInput"].(map[string]any)
		chunks := ri["mediaChunks"].([]any)
		chunk := chunks[0].(map[string]any)
		if chunk["mimeType"] != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %v", chunk["mimeType"])
		}
		if chunk["data"] != base64.StdEncoding.EncodeToString(pcm) {
			t.Errorf("data = %v", chunk["data"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("audio chunk never arrived")
	}

	if err := c.SendAudioStreamEnd(); err != nil {
		t.Fatalf("SendAudioStreamEnd: %v", err)
	}
	select {
	case m := <-msgCh:
		ri := m["realtimeInput"].(map[string]any)
		if ri["audioStreamEnd"] != true {
			t.Errorf("audioStreamEnd message = %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("audioStreamEnd never arrived")
	}
}

func TestSendRequiresLiveSession(t *testing.T) {
	t.Parallel()

	c := New("key", WithReconnectPolicy(fastPolicy(1)))
	if err := c.SendAudio([]byte{1}); err != ErrNotConnected {
		t.Errorf("SendAudio before connect = %v, want ErrNotConnected", err)
	}
	if err := c.SendText("hi"); err != ErrNotConnected {
		t.Errorf("SendText before connect = %v, want ErrNotConnected", err)
	}
}

func TestServerContentDispatch(t *testing.T) {
	t.Parallel()

	pcm := []byte{10, 20, 30}
	srv := startLiveServer(t, func(conn *websocket.Conn) {
		readJSON(t, conn)
		// Garbage frames must be skipped without killing the session.
		conn.Write(context.Background(), websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				}},
				map[string]any{"text": "Turning left"},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "where am I"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "You are at the door."},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newTestClient(srv)
	defer c.Close()
	c.Connect(context.Background())

	if ev := waitEvent(t, c, EventAudio); string(ev.Audio) != string(pcm) {
		t.Errorf("audio = %v, want %v", ev.Audio, pcm)
	}
	if ev := waitEvent(t, c, EventText); ev.Text != "Turning left" {
		t.Errorf("text = %q", ev.Text)
	}
	if ev := waitEvent(t, c, EventInputTranscription); ev.Text != "where am I" {
		t.Errorf("input transcription = %q", ev.Text)
	}
	if ev := waitEvent(t, c, EventOutputTranscription); ev.Text != "You are at the door." {
		t.Errorf("output transcription = %q", ev.Text)
	}
	waitEvent(t, c, EventTurnComplete)
}

func TestInterruptedIsTransient(t *testing.T) {
	t.Parallel()

	proceed := make(chan struct{})
	srv := startLiveServer(t, func(conn *websocket.Conn) {
		readJSON(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		<-proceed
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{map[string]any{"text": "new turn"}}},
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newTestClient(srv)
	defer c.Close()
	c.Connect(context.Background())

	waitEvent(t, c, EventInterrupted)
	if c.State() != StateInterrupted {
		t.Errorf("state = %v, want interrupted", c.State())
	}
	close(proceed)

	waitEvent(t, c, EventText)
	if c.State() != StateLive {
		t.Errorf("state = %v, want live again after new content", c.State())
	}
}

func TestRetryableCloseReconnects(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32
	srv := startLiveServer(t, func(conn *websocket.Conn) {
		readJSON(t, conn)
		if connects.Add(1) == 1 {
			conn.Close(websocket.StatusInternalError, "flaky backend")
			return
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newTestClient(srv)
	defer c.Close()
	c.Connect(context.Background())

	waitEvent(t, c, EventConnected)
	waitEvent(t, c, EventDown)
	waitEvent(t, c, EventConnected)
	if got := connects.Load(); got < 2 {
		t.Errorf("connects = %d, want at least 2", got)
	}
	if c.State() != StateLive {
		t.Errorf("state = %v, want live after reconnect", c.State())
	}
}

func TestPolicyRejectionIsFatal(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32
	srv := startLiveServer(t, func(conn *websocket.Conn) {
		connects.Add(1)
		readJSON(t, conn)
		conn.Close(websocket.StatusPolicyViolation, "quota exhausted")
	})

	c := newTestClient(srv)
	defer c.Close()
	c.Connect(context.Background())

	waitEvent(t, c, EventConnected)
	ev := waitEvent(t, c, EventFatal)
	if !strings.Contains(ev.Text, "quota exhausted") {
		t.Errorf("fatal event text = %q, want close reason included", ev.Text)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}

	time.Sleep(200 * time.Millisecond)
	if got := connects.Load(); got != 1 {
		t.Errorf("connects = %d after fatal close, want 1 (no retry)", got)
	}
}

func TestReconnectLimitFiresOnce(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	// Refuse the upgrade entirely so every attempt fails at dial time.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := New("key",
		WithBaseURL(liveURL(srv)),
		WithReconnectPolicy(fastPolicy(2)),
	)
	defer c.Close()
	c.Connect(context.Background())

	waitEvent(t, c, EventReconnectLimit)

	// No further dials and no second limit event.
	settled := dials.Load()
	time.Sleep(300 * time.Millisecond)
	if got := dials.Load(); got != settled {
		t.Errorf("dials kept happening after limit: %d -> %d", settled, got)
	}
	select {
	case ev := <-c.Events():
		if ev.Kind == EventReconnectLimit {
			t.Error("reconnect limit event fired more than once")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32
	ready := make(chan struct{}, 4)
	srv := startLiveServer(t, func(conn *websocket.Conn) {
		connects.Add(1)
		readJSON(t, conn)
		ready <- struct{}{}
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newTestClient(srv)
	c.Connect(context.Background())

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("never connected")
	}
	c.Close()

	time.Sleep(200 * time.Millisecond)
	if got := connects.Load(); got != 1 {
		t.Errorf("connects = %d after Close, want 1", got)
	}
	if err := c.SendAudio([]byte{1}); err != ErrNotConnected {
		t.Errorf("SendAudio after Close = %v, want ErrNotConnected", err)
	}
}
