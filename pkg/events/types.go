// Package events defines the router's operational events and the publishers
// that emit them.
package events

// Session states carried by SessionEvent.
const (
	SessionOpened   = "opened"
	SessionClosed   = "closed"
	SessionRejected = "rejected"
)

// DispatchFailedEvent is emitted for every Error frame the router sends.
type DispatchFailedEvent struct {
	SessionID   string `json:"sessionId"`
	Transport   string `json:"transport"`
	MessageType string `json:"messageType,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Status      int32  `json:"status"`
	Timestamp   string `json:"timestamp"`
}

// SessionEvent is emitted when a connection opens, closes, or is turned away.
type SessionEvent struct {
	SessionID     string `json:"sessionId"`
	Transport     string `json:"transport"`
	Remote        string `json:"remote,omitempty"`
	State         string `json:"state"`
	ClientVersion string `json:"clientVersion,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Timestamp     string `json:"timestamp"`
}
