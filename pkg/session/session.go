// Package session defines the per-connection context a handler may ask for as
// its second parameter.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/binaflow/binaflow-go/pkg/envelope"
)

const logPrefix = "session:session"

// Sender writes one binary frame to the underlying connection.
type Sender interface {
	SendFrame(ctx context.Context, frame []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, frame []byte) error

func (f SenderFunc) SendFrame(ctx context.Context, frame []byte) error {
	return f(ctx, frame)
}

// Session is one live connection. Sends are serialized, so handlers may push
// frames from other goroutines while the connection keeps reading.
type Session struct {
	id        string
	transport string
	remote    string
	ctx       context.Context
	cancel    context.CancelFunc

	sendMu sync.Mutex
	sender Sender

	attrsMu sync.RWMutex
	attrs   map[string]any
}

// Options configures New.
type Options struct {
	// ID defaults to a random UUID.
	ID        string
	Transport string
	Remote    string
}

// New returns a session bound to sender. The session context is cancelled by Close.
func New(parent context.Context, sender Sender, opts Options) *Session {
	if parent == nil {
		parent = context.Background()
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:        id,
		transport: opts.Transport,
		remote:    opts.Remote,
		ctx:       ctx,
		cancel:    cancel,
		sender:    sender,
		attrs:     make(map[string]any),
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Transport() string { return s.transport }
func (s *Session) Remote() string    { return s.remote }

// Context is cancelled when the connection closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.ctx.Err() != nil
}

// Close marks the session closed. It does not close the transport connection.
func (s *Session) Close() {
	s.cancel()
}

// SendFrame writes an already encoded frame.
func (s *Session) SendFrame(frame []byte) error {
	if s.Closed() {
		return fmt.Errorf("%s - session %s is closed", logPrefix, s.id)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sender.SendFrame(s.ctx, frame)
}

// Send encodes msg, stamping its MessageType, and writes it.
func (s *Session) Send(msg envelope.Message) error {
	frame, corrected, err := envelope.Marshal(msg)
	if err != nil {
		return err
	}
	if corrected {
		slog.Debug(fmt.Sprintf("%s - corrected message type to %s on session %s", logPrefix, msg.Header().MessageType, s.id))
	}
	return s.SendFrame(frame)
}

// Set stores a value on the session.
func (s *Session) Set(key string, value any) {
	s.attrsMu.Lock()
	defer s.attrsMu.Unlock()
	s.attrs[key] = value
}

// Get returns a value stored with Set.
func (s *Session) Get(key string) (any, bool) {
	s.attrsMu.RLock()
	defer s.attrsMu.RUnlock()
	v, ok := s.attrs[key]
	return v, ok
}
