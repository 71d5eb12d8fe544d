package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/binaflow/binaflow-go/pkg/dispatcher"
	"github.com/binaflow/binaflow-go/pkg/dto"
	"github.com/binaflow/binaflow-go/pkg/envelope"
	"github.com/binaflow/binaflow-go/pkg/events"
	"github.com/binaflow/binaflow-go/pkg/schema"
	"github.com/binaflow/binaflow-go/pkg/semver"
)

func newPingDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.Start(dispatcher.Sources{Schema: schema.Options{Directory: t.TempDir()}}, dispatcher.Options{BasePath: "/binaflow"})
	if err != nil {
		t.Fatalf("transport:websocket_test - dispatcher start failed: %v", err)
	}
	return d
}

func startWS(t *testing.T, opts WebSocketOptions) (*WebSocketHandler, string) {
	t.Helper()
	h := NewWebSocketHandler(newPingDispatcher(t), opts)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("transport:websocket_test - dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func pingFrame(t *testing.T, id string) []byte {
	t.Helper()
	frame, _, err := envelope.Marshal(&dto.Ping{Envelope: envelope.Envelope{MessageID: id}})
	if err != nil {
		t.Fatalf("transport:websocket_test - failed to encode ping: %v", err)
	}
	return frame
}

func readPong(t *testing.T, conn *websocket.Conn) envelope.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("transport:websocket_test - read failed: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("transport:websocket_test - message type = %d, want binary", mt)
	}
	env, err := envelope.Decode(data)
	if err != nil {
		t.Fatalf("transport:websocket_test - decode failed: %v", err)
	}
	if env.MessageType != "Pong" {
		t.Fatalf("transport:websocket_test - MessageType = %q, want Pong", env.MessageType)
	}
	return env
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("transport:websocket_test - condition not met before deadline")
}

type sessionRecorder struct {
	mu     sync.Mutex
	events []events.SessionEvent
}

func (r *sessionRecorder) publisher() *events.CallbackPublisher {
	return events.NewCallbackPublisher(nil, func(_ context.Context, e *events.SessionEvent) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, *e)
		return nil
	})
}

func (r *sessionRecorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.State
	}
	return out
}

func TestWebSocket_PingPong(t *testing.T) {
	_, url := startWS(t, WebSocketOptions{})
	conn := dial(t, url, nil)

	if err := conn.WriteMessage(websocket.BinaryMessage, pingFrame(t, "p-1")); err != nil {
		t.Fatalf("transport:websocket_test - write failed: %v", err)
	}
	if env := readPong(t, conn); env.MessageID != "p-1" {
		t.Errorf("transport:websocket_test - MessageID = %q, want p-1", env.MessageID)
	}
}

func TestWebSocket_TextFrameIgnored(t *testing.T) {
	_, url := startWS(t, WebSocketOptions{})
	conn := dial(t, url, nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"messageType":"Ping"}`)); err != nil {
		t.Fatalf("transport:websocket_test - write failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, pingFrame(t, "after-text")); err != nil {
		t.Fatalf("transport:websocket_test - write failed: %v", err)
	}
	if env := readPong(t, conn); env.MessageID != "after-text" {
		t.Errorf("transport:websocket_test - first reply is for %q, want after-text", env.MessageID)
	}
}

func TestWebSocket_RepliesInOrder(t *testing.T) {
	_, url := startWS(t, WebSocketOptions{})
	conn := dial(t, url, nil)

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		if err := conn.WriteMessage(websocket.BinaryMessage, pingFrame(t, id)); err != nil {
			t.Fatalf("transport:websocket_test - write failed: %v", err)
		}
	}
	for _, id := range ids {
		if env := readPong(t, conn); env.MessageID != id {
			t.Fatalf("transport:websocket_test - reply for %q, want %q", env.MessageID, id)
		}
	}
}

func TestWebSocket_ClientVersionGate(t *testing.T) {
	gate, err := semver.NewGate("^1.2.0", true)
	if err != nil {
		t.Fatalf("transport:websocket_test - gate: %v", err)
	}
	rec := &sessionRecorder{}
	_, url := startWS(t, WebSocketOptions{Gate: gate, Publisher: rec.publisher()})

	tests := []struct {
		name       string
		version    string
		wantStatus int
	}{
		{"compatible", "1.4.0", http.StatusSwitchingProtocols},
		{"incompatible", "2.0.0", http.StatusPreconditionFailed},
		{"missing", "", http.StatusBadRequest},
		{"invalid", "latest", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.version != "" {
				header.Set(HeaderClientVersion, tt.version)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if conn != nil {
				conn.Close()
			}
			if resp == nil {
				t.Fatalf("transport:websocket_test - no handshake response: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("transport:websocket_test - status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusSwitchingProtocols && !errors.Is(err, websocket.ErrBadHandshake) {
				t.Errorf("transport:websocket_test - err = %v, want ErrBadHandshake", err)
			}
		})
	}

	eventually(t, func() bool {
		rejected := 0
		for _, s := range rec.states() {
			if s == events.SessionRejected {
				rejected++
			}
		}
		return rejected == 3
	})
}

func TestWebSocket_AllowedOrigins(t *testing.T) {
	_, url := startWS(t, WebSocketOptions{AllowedOrigins: []string{"https://app.example"}})

	good := http.Header{"Origin": []string{"https://app.example"}}
	dial(t, url, good)

	bad := http.Header{"Origin": []string{"https://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, bad)
	if conn != nil {
		conn.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("transport:websocket_test - expected 403 for foreign origin, got resp=%v err=%v", resp, err)
	}
}

func TestOriginChecker(t *testing.T) {
	if originChecker(nil) != nil {
		t.Error("transport:websocket_test - empty list should keep the default check")
	}
	anyOrigin := originChecker([]string{"https://a.example", "*"})
	r := httptest.NewRequest(http.MethodGet, "/binaflow", nil)
	r.Header.Set("Origin", "https://whatever.example")
	if !anyOrigin(r) {
		t.Error("transport:websocket_test - * should accept any origin")
	}
	listed := originChecker([]string{"https://a.example"})
	if listed(r) {
		t.Error("transport:websocket_test - unlisted origin accepted")
	}
	r.Header.Del("Origin")
	if !listed(r) {
		t.Error("transport:websocket_test - request without Origin should be accepted")
	}
}

func TestWebSocket_ReadLimit(t *testing.T) {
	_, url := startWS(t, WebSocketOptions{MaxFrameBytes: 64})
	conn := dial(t, url, nil)

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 256)); err != nil {
		t.Fatalf("transport:websocket_test - write failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("transport:websocket_test - expected the connection to close after an oversized frame")
	}
}

func TestWebSocket_SessionLifecycleEvents(t *testing.T) {
	rec := &sessionRecorder{}
	h, url := startWS(t, WebSocketOptions{Publisher: rec.publisher()})

	header := http.Header{}
	header.Set(HeaderClientVersion, "1.0.0")
	conn := dial(t, url, header)
	eventually(t, func() bool { return h.SessionCount() == 1 })

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	eventually(t, func() bool { return h.SessionCount() == 0 && len(rec.states()) == 2 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	opened, closed := rec.events[0], rec.events[1]
	if opened.State != events.SessionOpened || closed.State != events.SessionClosed {
		t.Fatalf("transport:websocket_test - states = %s,%s", opened.State, closed.State)
	}
	if opened.SessionID == "" || opened.SessionID != closed.SessionID {
		t.Errorf("transport:websocket_test - session ids %q/%q should match", opened.SessionID, closed.SessionID)
	}
	if opened.Transport != NameWebSocket || opened.ClientVersion != "1.0.0" {
		t.Errorf("transport:websocket_test - opened event = %+v", opened)
	}
}

func TestWebSocket_CloseSendsGoingAway(t *testing.T) {
	h, url := startWS(t, WebSocketOptions{})
	conn := dial(t, url, nil)
	eventually(t, func() bool { return h.SessionCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		t.Fatalf("transport:websocket_test - Close failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("transport:websocket_test - err = %v, want going-away close", err)
	}
	if h.SessionCount() != 0 {
		t.Errorf("transport:websocket_test - SessionCount = %d after Close", h.SessionCount())
	}
}
