package relay

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

// startRelayServer starts a WebSocket test server that invokes handler for
// every accepted connection.
func startRelayServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handler(r, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Errorf("marshal: %v", err)
		return
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Errorf("write: %v", err)
	}
}

func waitEvent(t *testing.T, ch *Channel, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
			return Event{}
		}
	}
}

func fastPolicy() reconnect.Policy {
	return reconnect.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
}

func TestViewerConnectAndWelcome(t *testing.T) {
	t.Parallel()

	gotRole := make(chan string, 1)
	srv := startRelayServer(t, func(r *http.Request, conn *websocket.Conn) {
		gotRole <- r.URL.Query().Get("role")
		sendJSON(t, conn, map[string]any{
			"type": "viewer_connected", "source_connected": true, "session_active": false,
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := New(wsURL(srv), WithReconnectPolicy(fastPolicy()))
	defer ch.Close()
	ch.Connect(context.Background())

	select {
	case role := <-gotRole:
		if role != "viewer" {
			t.Errorf("role query = %q, want viewer", role)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw a connection")
	}

	ev := waitEvent(t, ch, EventViewerConnected)
	if !ev.SourceConnected {
		t.Error("welcome snapshot should report source connected")
	}
	if !ch.SourcePresent() {
		t.Error("SourcePresent = false after viewer_connected with source")
	}
}

func TestFramePreviewStoredAndClearedOnSourceLoss(t *testing.T) {
	t.Parallel()

	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0}
	srv := startRelayServer(t, func(r *http.Request, conn *websocket.Conn) {
		sendJSON(t, conn, map[string]any{"type": "source_connected"})
		sendJSON(t, conn, map[string]any{
			"type": "video_preview", "data": base64.StdEncoding.EncodeToString(jpeg),
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := New(wsURL(srv), WithReconnectPolicy(fastPolicy()))
	defer ch.Close()
	ch.Connect(context.Background())

	waitEvent(t, ch, EventSourcePresence)

	deadline := time.After(3 * time.Second)
	for ch.Frames().Latest() == nil {
		select {
		case <-deadline:
			t.Fatal("frame never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := ch.Frames().Latest(); string(got) != string(jpeg) {
		t.Errorf("stored frame = %v, want %v", got, jpeg)
	}
}

func TestSourceDisconnectClearsFrame(t *testing.T) {
	t.Parallel()

	frames := make(chan struct{})
	srv := startRelayServer(t, func(r *http.Request, conn *websocket.Conn) {
		sendJSON(t, conn, map[string]any{"type": "source_connected"})
		sendJSON(t, conn, map[string]any{
			"type": "video_preview", "data": base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
		})
		<-frames
		sendJSON(t, conn, map[string]any{"type": "source_disconnected"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := New(wsURL(srv), WithReconnectPolicy(fastPolicy()))
	defer ch.Close()
	ch.Connect(context.Background())

	waitEvent(t, ch, EventSourcePresence)
	deadline := time.After(3 * time.Second)
	for ch.Frames().Latest() == nil {
		select {
		case <-deadline:
			t.Fatal("frame never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(frames)

	ev := waitEvent(t, ch, EventSourcePresence)
	if ev.SourceConnected {
		t.Error("expected source_disconnected presence event")
	}
	if ch.SourcePresent() {
		t.Error("SourcePresent = true after source_disconnected")
	}
	if ch.Frames().Latest() != nil {
		t.Error("stale frame survived source_disconnected")
	}
}

func TestServerErrorKeepsChannelOpen(t *testing.T) {
	t.Parallel()

	srv := startRelayServer(t, func(r *http.Request, conn *websocket.Conn) {
		sendJSON(t, conn, map[string]any{"type": "error", "message": "transient glitch"})
		sendJSON(t, conn, map[string]any{"type": "source_connected"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := New(wsURL(srv), WithReconnectPolicy(fastPolicy()))
	defer ch.Close()
	ch.Connect(context.Background())

	ev := waitEvent(t, ch, EventError)
	if ev.Message != "transient glitch" {
		t.Errorf("error message = %q", ev.Message)
	}
	// The channel must keep processing messages after a server error.
	waitEvent(t, ch, EventSourcePresence)
	if ch.State() != StateOpen {
		t.Errorf("state = %v, want open", ch.State())
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32
	srv := startRelayServer(t, func(r *http.Request, conn *websocket.Conn) {
		n := connects.Add(1)
		if n == 1 {
			conn.Close(websocket.StatusInternalError, "going away")
			return
		}
		sendJSON(t, conn, map[string]any{"type": "source_connected"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := New(wsURL(srv), WithReconnectPolicy(fastPolicy()))
	defer ch.Close()
	ch.Connect(context.Background())

	waitEvent(t, ch, EventDown)
	// The second connection proves the reconnect timer fired.
	waitEvent(t, ch, EventSourcePresence)
	if got := connects.Load(); got < 2 {
		t.Errorf("connects = %d, want at least 2", got)
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32
	ready := make(chan struct{}, 1)
	srv := startRelayServer(t, func(r *http.Request, conn *websocket.Conn) {
		connects.Add(1)
		ready <- struct{}{}
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := New(wsURL(srv), WithReconnectPolicy(fastPolicy()))
	ch.Connect(context.Background())

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("never connected")
	}
	ch.Close()

	time.Sleep(200 * time.Millisecond)
	if got := connects.Load(); got != 1 {
		t.Errorf("connects = %d after Close, want 1", got)
	}
	if ch.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", ch.State())
	}
}

func TestSourceRoleRejectionIsFatal(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32
	srv := startRelayServer(t, func(r *http.Request, conn *websocket.Conn) {
		connects.Add(1)
		sendJSON(t, conn, map[string]any{"type": "error", "message": "source already active"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := New(wsURL(srv), WithRole(RoleSource), WithReconnectPolicy(fastPolicy()))
	defer ch.Close()
	ch.Connect(context.Background())

	ev := waitEvent(t, ch, EventFatal)
	if !strings.Contains(ev.Message, "already active") {
		t.Errorf("fatal message = %q", ev.Message)
	}

	time.Sleep(200 * time.Millisecond)
	if got := connects.Load(); got != 1 {
		t.Errorf("connects = %d after fatal rejection, want 1", got)
	}
}
