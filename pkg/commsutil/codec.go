package commsutil

import (
	"encoding/json"

	comms "github.com/nats-io/nats.go"
)

// EncodePayload serializes an event to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewFrameMsg wraps a binary frame for publishing. clientVersion is sent in
// HeaderClientVersion when non-empty.
func NewFrameMsg(subject string, frame []byte, clientVersion string) *comms.Msg {
	msg := comms.NewMsg(subject)
	msg.Data = frame
	if clientVersion != "" {
		msg.Header.Set(HeaderClientVersion, clientVersion)
	}
	return msg
}

// NewCloseMsg asks the router to end the session behind subject.
func NewCloseMsg(subject string) *comms.Msg {
	msg := comms.NewMsg(subject)
	msg.Header.Set(HeaderClose, "true")
	return msg
}

// ClientVersion reads HeaderClientVersion from msg.
func ClientVersion(msg *comms.Msg) string {
	if msg == nil || msg.Header == nil {
		return ""
	}
	return msg.Header.Get(HeaderClientVersion)
}

// IsClose reports whether msg is a close request.
func IsClose(msg *comms.Msg) bool {
	return msg != nil && msg.Header != nil && msg.Header.Get(HeaderClose) != ""
}
