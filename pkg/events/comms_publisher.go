package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/binaflow/binaflow-go/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// SubjectPrefix overrides commsutil.DefaultSubjectPrefix (e.g. from COMMS_SUBJECT_PREFIX).
	SubjectPrefix string
}

// CommsPublisher publishes router events to COMMS subjects.
type CommsPublisher struct {
	nc             *comms.Conn
	failedSubject  string
	sessionSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	prefix := commsutil.DefaultSubjectPrefix
	if opts != nil && opts.SubjectPrefix != "" {
		prefix = opts.SubjectPrefix
	}
	return &CommsPublisher{
		nc:             nc,
		failedSubject:  commsutil.BuildEventSubject(prefix, commsutil.EventDispatchFailed),
		sessionSubject: commsutil.BuildEventSubject(prefix, commsutil.EventSession),
	}
}

// PublishDispatchFailed publishes a DispatchFailedEvent to <prefix>.events.failed.
func (p *CommsPublisher) PublishDispatchFailed(_ context.Context, event *DispatchFailedEvent) error {
	if err := p.publish(p.failedSubject, event); err != nil {
		return err
	}
	slog.Debug(fmt.Sprintf("%s - Published dispatch failure for %s/%s", commsPublisherLogPrefix, event.MessageType, event.MessageID))
	return nil
}

// PublishSession publishes a SessionEvent to <prefix>.events.session.
func (p *CommsPublisher) PublishSession(_ context.Context, event *SessionEvent) error {
	if err := p.publish(p.sessionSubject, event); err != nil {
		return err
	}
	slog.Debug(fmt.Sprintf("%s - Published session %s %s", commsPublisherLogPrefix, event.SessionID, event.State))
	return nil
}

func (p *CommsPublisher) publish(subject string, event any) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return err
	}
	return nil
}
