package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/binaflow/binaflow-go/pkg/commsutil"
	"github.com/binaflow/binaflow-go/pkg/envelope"
	"github.com/binaflow/binaflow-go/pkg/events"
	"github.com/binaflow/binaflow-go/pkg/metrics"
	"github.com/binaflow/binaflow-go/pkg/problem"
	"github.com/binaflow/binaflow-go/pkg/semver"
	"github.com/binaflow/binaflow-go/pkg/session"
)

const commsLogPrefix = "transport:comms"

// Defaults for CommsOptions.
const (
	DefaultSessionIdle  = 5 * time.Minute
	DefaultSessionQueue = 64
)

var errStopped = errors.New("transport: comms transport stopped")

// Close reasons carried in the commsutil.HeaderClose value of the notice sent
// to <prefix>.out.<id>.
const (
	CloseIdle     = "idle"
	CloseShutdown = "shutdown"
	CloseClient   = "client"
)

// CommsOptions configures NewCommsTransport. Zero values are usable.
type CommsOptions struct {
	SubjectPrefix string
	SessionIdle   time.Duration
	// QueueSize bounds the frames buffered per session; a frame arriving on a
	// full queue is dropped.
	QueueSize int
	Gate      *semver.Gate
	Publisher events.EventPublisher
	Metrics   *metrics.Metrics
}

// CommsTransport serves sessions over COMMS subjects. A client publishes frames
// to <prefix>.in.<id> and receives frames on <prefix>.out.<id>. The first frame
// on a new id opens the session; each session is served in order by its own
// worker goroutine.
type CommsTransport struct {
	nc     *comms.Conn
	d      Dispatcher
	prefix string
	idle   time.Duration
	queue  int
	gate   *semver.Gate
	pub    events.EventPublisher
	m      *metrics.Metrics

	mu       sync.Mutex
	stopped  bool
	sessions map[string]*commsSession
	sub      *comms.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type commsSession struct {
	sess     *session.Session
	frames   chan []byte
	version  string
	lastSeen atomic.Int64
}

// NewCommsTransport returns a transport serving d over nc. Call Start to subscribe.
func NewCommsTransport(nc *comms.Conn, d Dispatcher, opts CommsOptions) *CommsTransport {
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = commsutil.DefaultSubjectPrefix
	}
	idle := opts.SessionIdle
	if idle <= 0 {
		idle = DefaultSessionIdle
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = DefaultSessionQueue
	}
	pub := opts.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	return &CommsTransport{
		nc:       nc,
		d:        d,
		prefix:   prefix,
		idle:     idle,
		queue:    queue,
		gate:     opts.Gate,
		pub:      pub,
		m:        opts.Metrics,
		sessions: make(map[string]*commsSession),
	}
}

// Start subscribes to <prefix>.in.* and starts the idle reaper. The transport
// stops when ctx is cancelled or Stop is called.
func (t *CommsTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return fmt.Errorf("%s - transport already started", commsLogPrefix)
	}

	subject := commsutil.BuildInboundWildcard(t.prefix)
	sub, err := t.nc.Subscribe(subject, t.onMessage)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", commsLogPrefix, subject, err)
	}
	t.sub = sub
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go t.reap()

	slog.Info(fmt.Sprintf("%s - Listening on %s (session idle %s)", commsLogPrefix, subject, t.idle))
	return nil
}

// Stop unsubscribes, closes every session and waits for their workers. No
// session opens once Stop has begun.
func (t *CommsTransport) Stop() {
	t.mu.Lock()
	t.stopped = true
	sub := t.sub
	cancel := t.cancel
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) && !errors.Is(err, comms.ErrBadSubscription) {
		slog.Warn(fmt.Sprintf("%s - failed to unsubscribe: %v", commsLogPrefix, err))
	}
	for _, id := range ids {
		t.endSession(id, CloseShutdown)
	}
	cancel()
	t.wg.Wait()
	slog.Info(fmt.Sprintf("%s - Stopped after closing %d sessions", commsLogPrefix, len(ids)))
}

// SessionCount returns the number of open sessions.
func (t *CommsTransport) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// onMessage runs on the subscription's goroutine; it must not block on dispatch.
func (t *CommsTransport) onMessage(msg *comms.Msg) {
	id, ok := commsutil.SessionIDFromSubject(t.prefix, msg.Subject)
	if !ok {
		slog.Warn(fmt.Sprintf("%s - Ignoring message on %s", commsLogPrefix, msg.Subject))
		return
	}
	if commsutil.IsClose(msg) {
		t.endSession(id, CloseClient)
		return
	}

	cs, err := t.sessionFor(id, msg)
	if err != nil {
		return
	}
	cs.lastSeen.Store(time.Now().UnixNano())

	select {
	case cs.frames <- msg.Data:
	default:
		slog.Warn(fmt.Sprintf("%s - Session %s queue full, dropping frame of %d bytes", commsLogPrefix, id, len(msg.Data)))
		t.m.ObserveFrame("", metrics.OutcomeDropped, 0)
		t.refuseBusy(cs, msg.Data)
	}
}

// refuseBusy answers a dropped frame with a 503 Error frame so the request
// still gets exactly one reply.
func (t *CommsTransport) refuseBusy(cs *commsSession, frame []byte) {
	env, _ := envelope.Decode(frame)
	out, _, err := envelope.Marshal(problem.SessionBusy(env.MessageType, env.MessageID).ToFrame())
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode busy error for session %s: %v", commsLogPrefix, cs.sess.ID(), err))
		return
	}
	if err := cs.sess.SendFrame(out); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to send busy error to session %s: %v", commsLogPrefix, cs.sess.ID(), err))
		return
	}
	t.m.ObserveErrorFrame(503, problem.KindSessionBusy)
}

// sessionFor returns the open session for id, opening it when the client
// version passes the gate.
func (t *CommsTransport) sessionFor(id string, msg *comms.Msg) (*commsSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, errStopped
	}
	if cs, ok := t.sessions[id]; ok {
		return cs, nil
	}

	version := commsutil.ClientVersion(msg)
	if err := t.gate.Check(version); err != nil {
		reason := rejectReason(err)
		slog.Warn(fmt.Sprintf("%s - Rejecting session %s with version %q: %v", commsLogPrefix, id, version, err))
		t.m.SessionRejected(NameComms, reason)
		publishSession(t.pub, id, NameComms, "", events.SessionRejected, version, reason)
		t.notifyClosed(id, reason)
		return nil, err
	}

	out := commsutil.BuildOutboundSubject(t.prefix, id)
	sender := session.SenderFunc(func(_ context.Context, frame []byte) error {
		return t.nc.Publish(out, frame)
	})
	cs := &commsSession{
		sess:    session.New(t.ctx, sender, session.Options{ID: id, Transport: NameComms}),
		frames:  make(chan []byte, t.queue),
		version: version,
	}
	cs.lastSeen.Store(time.Now().UnixNano())
	t.sessions[id] = cs

	t.wg.Add(1)
	go t.work(cs)

	slog.Info(fmt.Sprintf("%s - Session %s opened", commsLogPrefix, id))
	t.m.SessionOpened(NameComms)
	publishSession(t.pub, id, NameComms, "", events.SessionOpened, version, "")
	return cs, nil
}

// work dispatches one session's frames in arrival order.
func (t *CommsTransport) work(cs *commsSession) {
	defer t.wg.Done()
	done := cs.sess.Context().Done()
	for {
		select {
		case <-done:
			return
		case frame := <-cs.frames:
			t.d.Dispatch(cs.sess, frame)
		}
	}
}

func (t *CommsTransport) endSession(id, reason string) {
	t.mu.Lock()
	cs, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	cs.sess.Close()
	if reason != CloseClient {
		t.notifyClosed(id, reason)
	}
	slog.Info(fmt.Sprintf("%s - Session %s closed (%s)", commsLogPrefix, id, reason))
	t.m.SessionClosed(NameComms)
	publishSession(t.pub, id, NameComms, "", events.SessionClosed, cs.version, reason)
}

func (t *CommsTransport) notifyClosed(id, reason string) {
	msg := commsutil.NewCloseMsg(commsutil.BuildOutboundSubject(t.prefix, id))
	msg.Header.Set(commsutil.HeaderClose, reason)
	if err := t.nc.PublishMsg(msg); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to send close notice to session %s: %v", commsLogPrefix, id, err))
	}
}

func (t *CommsTransport) reap() {
	defer t.wg.Done()
	interval := t.idle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range t.idleSessions(now) {
				t.endSession(id, CloseIdle)
			}
		}
	}
}

func (t *CommsTransport) idleSessions(now time.Time) []string {
	cutoff := now.Add(-t.idle).UnixNano()
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, cs := range t.sessions {
		if cs.lastSeen.Load() < cutoff {
			ids = append(ids, id)
		}
	}
	return ids
}
