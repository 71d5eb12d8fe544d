package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/binaflow/binaflow-go/pkg/events"
	"github.com/binaflow/binaflow-go/pkg/metrics"
	"github.com/binaflow/binaflow-go/pkg/semver"
	"github.com/binaflow/binaflow-go/pkg/session"
)

const wsLogPrefix = "transport:websocket"

// HeaderClientVersion carries the client's semantic version on the upgrade request.
const HeaderClientVersion = "X-Binaflow-Client-Version"

// DefaultMaxFrameBytes bounds a single inbound frame when no limit is set.
const DefaultMaxFrameBytes int64 = 1 << 20

const defaultWriteTimeout = 10 * time.Second

// WebSocketOptions configures NewWebSocketHandler. Zero values are usable.
type WebSocketOptions struct {
	Gate      *semver.Gate
	Publisher events.EventPublisher
	Metrics   *metrics.Metrics
	// MaxFrameBytes is the read limit; DefaultMaxFrameBytes when zero.
	MaxFrameBytes int64
	// AllowedOrigins lists accepted Origin headers. "*" accepts any origin;
	// empty keeps the same-origin check.
	AllowedOrigins []string
	WriteTimeout   time.Duration
}

// WebSocketHandler upgrades HTTP requests and runs one read loop per connection.
type WebSocketHandler struct {
	d        Dispatcher
	upgrader websocket.Upgrader
	opts     WebSocketOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*websocket.Conn]*session.Session
	closed bool
	wg     sync.WaitGroup
}

// NewWebSocketHandler returns an http.Handler serving d over WebSocket.
func NewWebSocketHandler(d Dispatcher, opts WebSocketOptions) *WebSocketHandler {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Publisher == nil {
		opts.Publisher = &events.NoOpPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHandler{
		d:        d,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)},
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*websocket.Conn]*session.Session),
	}
}

// originChecker returns nil for the upgrader's same-origin default.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	version := r.Header.Get(HeaderClientVersion)
	if err := h.opts.Gate.Check(version); err != nil {
		reason := rejectReason(err)
		slog.Warn(fmt.Sprintf("%s - Rejecting client %s with version %q: %v", wsLogPrefix, r.RemoteAddr, version, err))
		h.opts.Metrics.SessionRejected(NameWebSocket, reason)
		publishSession(h.opts.Publisher, "", NameWebSocket, r.RemoteAddr, events.SessionRejected, version, reason)
		status := http.StatusPreconditionFailed
		if reason != ReasonIncompatible {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	if h.upgrader.CheckOrigin != nil && !h.upgrader.CheckOrigin(r) {
		origin := r.Header.Get("Origin")
		slog.Warn(fmt.Sprintf("%s - Rejecting client %s from origin %q", wsLogPrefix, r.RemoteAddr, origin))
		h.opts.Metrics.SessionRejected(NameWebSocket, ReasonOriginForbidden)
		publishSession(h.opts.Publisher, "", NameWebSocket, r.RemoteAddr, events.SessionRejected, version, ReasonOriginForbidden)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Warn(fmt.Sprintf("%s - Upgrade failed for %s: %v", wsLogPrefix, r.RemoteAddr, err))
		return
	}

	sess := session.New(h.ctx, h.sender(conn), session.Options{
		ID:        uuid.NewString(),
		Transport: NameWebSocket,
		Remote:    r.RemoteAddr,
	})
	if !h.track(conn, sess) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	defer h.wg.Done()

	slog.Info(fmt.Sprintf("%s - Session %s opened from %s", wsLogPrefix, sess.ID(), r.RemoteAddr))
	h.opts.Metrics.SessionOpened(NameWebSocket)
	publishSession(h.opts.Publisher, sess.ID(), NameWebSocket, r.RemoteAddr, events.SessionOpened, version, "")

	h.readLoop(conn, sess)

	h.untrack(conn)
	sess.Close()
	conn.Close()
	slog.Info(fmt.Sprintf("%s - Session %s closed", wsLogPrefix, sess.ID()))
	h.opts.Metrics.SessionClosed(NameWebSocket)
	publishSession(h.opts.Publisher, sess.ID(), NameWebSocket, r.RemoteAddr, events.SessionClosed, version, "")
}

// readLoop dispatches binary frames in arrival order until the connection fails.
func (h *WebSocketHandler) readLoop(conn *websocket.Conn, sess *session.Session) {
	conn.SetReadLimit(h.opts.MaxFrameBytes)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Warn(fmt.Sprintf("%s - Session %s read failed: %v", wsLogPrefix, sess.ID(), err))
			} else {
				slog.Debug(fmt.Sprintf("%s - Session %s read ended: %v", wsLogPrefix, sess.ID(), err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			slog.Warn(fmt.Sprintf("%s - Session %s sent a non-binary frame of %d bytes, ignoring", wsLogPrefix, sess.ID(), len(data)))
			continue
		}
		h.d.Dispatch(sess, data)
	}
}

func (h *WebSocketHandler) sender(conn *websocket.Conn) session.Sender {
	return session.SenderFunc(func(_ context.Context, frame []byte) error {
		if err := conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)); err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	})
}

func (h *WebSocketHandler) track(conn *websocket.Conn, sess *session.Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = sess
	h.wg.Add(1)
	return true
}

func (h *WebSocketHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// SessionCount returns the number of open connections.
func (h *WebSocketHandler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close sends a going-away close frame to every connection and waits for
// their read loops to finish or ctx to expire. New upgrades are refused.
func (h *WebSocketHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.cancel()
	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s - failed to close %d sessions: %w", wsLogPrefix, len(conns), ctx.Err())
	}
}
