// Package problem is the router's error model: a problem-detail record that
// every failure is converted to before it leaves as an Error frame.
package problem

import (
	"fmt"

	"github.com/binaflow/binaflow-go/pkg/dto"
	"github.com/binaflow/binaflow-go/pkg/envelope"
)

// Kinds reported in the Type field of Error frames.
const (
	KindDefault             = "about:blank"
	KindEmptyMessageType    = "EmptyMessageType"
	KindMessageTypeNotFound = "MessageTypeNotFound"
	KindMalformedEnvelope   = "MalformedEnvelope"
	KindHandlerNotFound     = "HandlerNotFound"
	KindSessionBusy         = "SessionBusy"
)

// IsRouterKind reports whether kind is one the router assigns itself, as
// opposed to a kind chosen by a handler.
func IsRouterKind(kind string) bool {
	switch kind {
	case KindDefault, KindEmptyMessageType, KindMessageTypeNotFound,
		KindMalformedEnvelope, KindHandlerNotFound, KindSessionBusy:
		return true
	}
	return false
}

// DefaultStatus is used when a failure does not name a status.
const DefaultStatus int32 = 500

// Detail is one failure, correlated with the request by MessageID.
type Detail struct {
	Kind      string
	Title     string
	Status    int32
	Detail    string
	Instance  string
	MessageID string
}

// ToFrame converts d to the Error frame sent to the client.
func (d Detail) ToFrame() *dto.Error {
	kind := d.Kind
	if kind == "" {
		kind = KindDefault
	}
	status := d.Status
	if status == 0 {
		status = DefaultStatus
	}
	return &dto.Error{
		Envelope: envelope.Envelope{MessageType: dto.ErrorMessageType, MessageID: d.MessageID},
		Type:     kind,
		Title:    d.Title,
		Status:   status,
		Detail:   d.Detail,
		Instance: d.Instance,
	}
}

// Error is a failure a handler reports on purpose. Its detail reaches the
// client as given; only the message id is filled in by the router.
type Error struct {
	Detail
	cause error
}

// New returns a handler error with the given status.
func New(status int32, title, detail string) *Error {
	return &Error{Detail: Detail{Kind: KindDefault, Title: title, Status: status, Detail: detail}}
}

// Newf is New with a formatted detail.
func Newf(status int32, title, format string, args ...any) *Error {
	return New(status, title, fmt.Sprintf(format, args...))
}

// BadRequest returns a 400 handler error.
func BadRequest(title, detail string) *Error {
	return New(400, title, detail)
}

// NotFound returns a 404 handler error.
func NotFound(title, detail string) *Error {
	return New(404, title, detail)
}

// WithKind sets the problem kind.
func (e *Error) WithKind(kind string) *Error {
	e.Kind = kind
	return e
}

// WithInstance sets the problem instance.
func (e *Error) WithInstance(instance string) *Error {
	e.Instance = instance
	return e
}

// WithCause records the underlying error for server-side logs. It is never
// sent to the client.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%d %s", e.status(), e.Title)
	if e.Detail.Detail != "" {
		s += ": " + e.Detail.Detail
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) status() int32 {
	if e.Status == 0 {
		return DefaultStatus
	}
	return e.Status
}

// EmptyMessageType is sent when a frame carries no message type.
func EmptyMessageType(messageID string) Detail {
	return Detail{
		Kind:      KindEmptyMessageType,
		Title:     "Message type is empty",
		Status:    400,
		Detail:    "Client sent empty message type field",
		MessageID: messageID,
	}
}

// MessageTypeNotFound is sent when no schema declares messageType.
func MessageTypeNotFound(messageType, messageID string) Detail {
	return Detail{
		Kind:      KindMessageTypeNotFound,
		Title:     "Message type not found",
		Status:    400,
		Detail:    fmt.Sprintf("Message type '%s' not found", messageType),
		MessageID: messageID,
	}
}

// MalformedEnvelope is sent when the common fields of a frame cannot be read.
func MalformedEnvelope(messageID string) Detail {
	return Detail{
		Kind:      KindMalformedEnvelope,
		Title:     "Malformed envelope",
		Status:    400,
		Detail:    "Client sent a frame whose message type or message id field is not a valid string",
		MessageID: messageID,
	}
}

// HandlerNotFound is sent when a schema declares messageType but no handler
// accepts it, as for response-only types.
func HandlerNotFound(messageType, messageID string) Detail {
	return Detail{
		Kind:      KindHandlerNotFound,
		Title:     "Handler not found",
		Status:    400,
		Detail:    fmt.Sprintf("No handler accepts message type '%s'", messageType),
		MessageID: messageID,
	}
}

// SessionBusy is sent when a frame is refused because its session already has
// too many frames waiting.
func SessionBusy(messageType, messageID string) Detail {
	if messageType == "" {
		messageType = UndefinedType
	}
	return Detail{
		Kind:      KindSessionBusy,
		Title:     "Session busy",
		Status:    503,
		Detail:    fmt.Sprintf("Frame of type '%s' dropped, too many frames are waiting on this session", messageType),
		MessageID: messageID,
	}
}

// FromDetail turns a protocol detail into an error the dispatcher can return.
func FromDetail(d Detail) *Error {
	return &Error{Detail: d}
}
