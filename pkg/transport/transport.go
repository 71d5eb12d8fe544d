// Package transport accepts client connections, turns each one into a
// session.Session and feeds its binary frames to a dispatcher.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/binaflow/binaflow-go/pkg/events"
	"github.com/binaflow/binaflow-go/pkg/semver"
	"github.com/binaflow/binaflow-go/pkg/session"
)

const logPrefix = "transport:transport"

// Transport names used in sessions, metrics and events.
const (
	NameWebSocket = "websocket"
	NameComms     = "comms"
)

// Rejection reasons reported to metrics and events.
const (
	ReasonMissingVersion  = "missing_version"
	ReasonInvalidVersion  = "invalid_version"
	ReasonIncompatible    = "incompatible_version"
	ReasonOriginForbidden = "origin_forbidden"
)

// Dispatcher handles one frame for a session. *dispatcher.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(sess *session.Session, frame []byte)
}

// rejectReason maps a gate error to a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, semver.ErrMissingVersion):
		return ReasonMissingVersion
	case errors.Is(err, semver.ErrInvalidVersion):
		return ReasonInvalidVersion
	default:
		return ReasonIncompatible
	}
}

func publishSession(pub events.EventPublisher, sessionID, transport, remote, state, clientVersion, reason string) {
	if pub == nil {
		return
	}
	event := &events.SessionEvent{
		SessionID:     sessionID,
		Transport:     transport,
		Remote:        remote,
		State:         state,
		ClientVersion: clientVersion,
		Reason:        reason,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := pub.PublishSession(context.Background(), event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish %s event for session %s: %v", logPrefix, state, sessionID, err))
	}
}
