// Package dispatcher is the runtime hot path: it turns one inbound frame into a
// handler call and sends back the typed response or a single Error frame.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"

	"github.com/binaflow/binaflow-go/pkg/envelope"
	"github.com/binaflow/binaflow-go/pkg/events"
	"github.com/binaflow/binaflow-go/pkg/handler"
	"github.com/binaflow/binaflow-go/pkg/metrics"
	"github.com/binaflow/binaflow-go/pkg/problem"
	"github.com/binaflow/binaflow-go/pkg/schema"
	"github.com/binaflow/binaflow-go/pkg/session"
)

const logPrefix = "dispatcher:dispatch"

// Options configures a Dispatcher. Zero values are usable.
type Options struct {
	// BasePath is the Instance prefix of unhandled errors, usually the WebSocket path.
	BasePath  string
	Verbosity problem.Verbosity
	Publisher events.EventPublisher
	Metrics   *metrics.Metrics
}

// Dispatcher routes frames to handlers. It is safe for concurrent use by any
// number of sessions; each session must call Dispatch for one frame at a time.
type Dispatcher struct {
	schemas   *schema.Registry
	handlers  *handler.Registry
	basePath  string
	verbosity problem.Verbosity
	publisher events.EventPublisher
	metrics   *metrics.Metrics
}

// New returns a ready Dispatcher over registries that are already built.
func New(schemas *schema.Registry, handlers *handler.Registry, opts Options) *Dispatcher {
	pub := opts.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	return &Dispatcher{
		schemas:   schemas,
		handlers:  handlers,
		basePath:  opts.BasePath,
		verbosity: opts.Verbosity,
		publisher: pub,
		metrics:   opts.Metrics,
	}
}

func (d *Dispatcher) Schemas() *schema.Registry   { return d.schemas }
func (d *Dispatcher) Handlers() *handler.Registry { return d.handlers }

// Dispatch handles one frame received on sess. It never closes the session:
// every failure becomes an Error frame, and a failure to send is only logged.
func (d *Dispatcher) Dispatch(sess *session.Session, frame []byte) {
	if sess == nil {
		slog.Warn(fmt.Sprintf("%s - Dropping frame of %d bytes without a session", logPrefix, len(frame)))
		d.metrics.ObserveFrame("", metrics.OutcomeDropped, 0)
		return
	}
	if sess.Closed() {
		slog.Debug(fmt.Sprintf("%s - Dropping frame for closed session %s", logPrefix, sess.ID()))
		d.metrics.ObserveFrame("", metrics.OutcomeDropped, 0)
		return
	}

	start := time.Now()
	env, out, err := d.handle(sess, frame)
	label := d.typeLabel(env.MessageType)

	if err != nil {
		d.fail(sess, env, err)
		d.metrics.ObserveFrame(label, metrics.OutcomeError, time.Since(start))
		return
	}
	if out == nil {
		slog.Debug(fmt.Sprintf("%s - %s/%s handled without reply", logPrefix, env.MessageType, env.MessageID))
		d.metrics.ObserveFrame(label, metrics.OutcomeNoReply, time.Since(start))
		return
	}
	if err := sess.SendFrame(out); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to send response to %s/%s on session %s: %v",
			logPrefix, env.MessageType, env.MessageID, sess.ID(), err))
	}
	d.metrics.ObserveFrame(label, metrics.OutcomeReplied, time.Since(start))
}

// handle runs decode, lookup, invocation and response encoding. A panic
// anywhere below is returned as a *problem.PanicError. A nil frame with a nil
// error means the handler had nothing to send back.
func (d *Dispatcher) handle(sess *session.Session, frame []byte) (env envelope.Envelope, out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = problem.Recovered(r, debug.Stack())
		}
	}()

	env, err = envelope.Decode(frame)
	if err != nil {
		return env, nil, problem.FromDetail(problem.MalformedEnvelope(env.MessageID)).WithCause(err)
	}
	if env.MessageType == "" {
		return env, nil, problem.FromDetail(problem.EmptyMessageType(env.MessageID))
	}

	entry, ok := d.schemas.Lookup(env.MessageType)
	if !ok {
		return env, nil, problem.FromDetail(problem.MessageTypeNotFound(env.MessageType, env.MessageID))
	}
	msg, err := entry.Decode(frame)
	if err != nil {
		return env, nil, errors.Wrapf(err, "decode %s frame", env.MessageType)
	}

	binding, ok := d.handlers.Lookup(env.MessageType)
	if !ok {
		return env, nil, problem.FromDetail(problem.HandlerNotFound(env.MessageType, env.MessageID))
	}
	slog.Debug(fmt.Sprintf("%s - %s/%s -> %s on session %s", logPrefix, env.MessageType, env.MessageID, binding.Handler, sess.ID()))
	resp, err := binding.Invoke(msg, sess)
	if err != nil || resp == nil {
		return env, nil, err
	}

	out, corrected, err := envelope.Marshal(resp)
	if err != nil {
		return env, nil, errors.Wrapf(err, "encode response to %s", env.MessageType)
	}
	if corrected {
		slog.Debug(fmt.Sprintf("%s - Response message type corrected to %s", logPrefix, resp.Header().MessageType))
	}
	return env, out, nil
}

// fail converts err and sends exactly one Error frame.
func (d *Dispatcher) fail(sess *session.Session, env envelope.Envelope, err error) {
	detail := problem.From(err, d.verbosity, d.basePath, env.MessageType, env.MessageID)

	if detail.Status >= 500 {
		msg := fmt.Sprintf("%s - Unhandled error for %s/%s on session %s: %v",
			logPrefix, orUndefined(env.MessageType), env.MessageID, sess.ID(), err)
		if st := problem.StackTrace(err); st != "" {
			msg += "\n" + st
		}
		slog.Error(msg)
	} else {
		slog.Warn(fmt.Sprintf("%s - %d %s for %s/%s on session %s",
			logPrefix, detail.Status, detail.Title, orUndefined(env.MessageType), env.MessageID, sess.ID()))
	}

	frame := detail.ToFrame()
	out, _, mErr := envelope.Marshal(frame)
	if mErr != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode error frame for %s: %v", logPrefix, env.MessageID, mErr))
		return
	}
	if sErr := sess.SendFrame(out); sErr != nil {
		slog.Error(fmt.Sprintf("%s - failed to send error frame for %s on session %s: %v", logPrefix, env.MessageID, sess.ID(), sErr))
	}

	kind := frame.Type
	if !problem.IsRouterKind(kind) {
		kind = metrics.CustomKind
	}
	d.metrics.ObserveErrorFrame(frame.Status, kind)
	ev := &events.DispatchFailedEvent{
		SessionID:   sess.ID(),
		Transport:   sess.Transport(),
		MessageType: env.MessageType,
		MessageID:   env.MessageID,
		Kind:        frame.Type,
		Title:       frame.Title,
		Status:      frame.Status,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if pErr := d.publisher.PublishDispatchFailed(context.Background(), ev); pErr != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish dispatch failure: %v", logPrefix, pErr))
	}
}

// typeLabel bounds metric labels to declared types.
func (d *Dispatcher) typeLabel(messageType string) string {
	if _, ok := d.schemas.Lookup(messageType); ok {
		return messageType
	}
	return ""
}

func orUndefined(messageType string) string {
	if messageType == "" {
		return problem.UndefinedType
	}
	return messageType
}
