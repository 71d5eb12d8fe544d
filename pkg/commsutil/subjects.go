package commsutil

import (
	"fmt"
	"strings"
)

// DefaultSubjectPrefix roots every binaflow subject when COMMS_SUBJECT_PREFIX is unset.
const DefaultSubjectPrefix = "binaflow"

// Event kinds appended to <prefix>.events.
const (
	EventDispatchFailed = "failed"
	EventSession        = "session"
)

// HeaderClientVersion carries the client's semantic version on inbound frames.
const HeaderClientVersion = "Binaflow-Client-Version"

// HeaderClose, when present on an inbound message, ends the session instead of
// carrying a frame.
const HeaderClose = "Binaflow-Close"

// BuildInboundSubject is where a client publishes frames for sessionID.
func BuildInboundSubject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.in.%s", prefix, sessionID)
}

// BuildOutboundSubject is where the router publishes frames for sessionID.
func BuildOutboundSubject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.out.%s", prefix, sessionID)
}

// BuildInboundWildcard matches every inbound session subject.
func BuildInboundWildcard(prefix string) string {
	return prefix + ".in.*"
}

// BuildEventSubject builds <prefix>.events.<event>.
func BuildEventSubject(prefix, event string) string {
	return fmt.Sprintf("%s.events.%s", prefix, event)
}

// SessionIDFromSubject extracts the session id from an inbound subject.
func SessionIDFromSubject(prefix, subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, prefix+".in.")
	if !ok || id == "" || strings.ContainsAny(id, ".*>") {
		return "", false
	}
	return id, true
}
