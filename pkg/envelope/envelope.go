// Package envelope implements the two-field wrapper carried by every binaflow frame.
//
// Frames use the protobuf wire format. Field 1 is the message type name and
// field 2 is the client-supplied message id; everything after that belongs to
// the concrete payload type.
package envelope

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers shared by every frame type.
const (
	FieldMessageType protowire.Number = 1
	FieldMessageID   protowire.Number = 2
)

// ErrMalformedEnvelope is returned when the common fields cannot be read.
var ErrMalformedEnvelope = errors.New("envelope: malformed envelope")

// Envelope holds the fields common to every frame.
type Envelope struct {
	MessageType string
	MessageID   string
}

// Header returns the envelope itself. Payload types embed Envelope and so
// satisfy the header half of Message through this method.
func (e *Envelope) Header() *Envelope {
	return e
}

// MarshalBinary encodes only the common fields.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	return NewWriter(e).Bytes(), nil
}

// UnmarshalBinary decodes the common fields and skips any others.
func (e *Envelope) UnmarshalBinary(b []byte) error {
	return Unmarshal(b, e, nil)
}

// Message is a typed frame: an envelope plus a payload that knows how to
// encode and decode itself.
type Message interface {
	Header() *Envelope
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

// Decode reads the common fields of a frame without validating the rest of it.
// The walk stops at the first field it cannot parse; only a broken field 1 or 2
// is reported as ErrMalformedEnvelope, so a payload with a truncated tail still
// yields the message id for error correlation.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return env, nil
		}
		b = b[n:]

		if num == FieldMessageType || num == FieldMessageID {
			if typ != protowire.BytesType {
				return env, fmt.Errorf("%w: field %d has wire type %d", ErrMalformedEnvelope, num, typ)
			}
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return env, fmt.Errorf("%w: field %d: %v", ErrMalformedEnvelope, num, protowire.ParseError(m))
			}
			if num == FieldMessageType {
				env.MessageType = s
			} else {
				env.MessageID = s
			}
			b = b[m:]
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return env, nil
		}
		b = b[m:]
	}
	return env, nil
}

// TypeName returns the wire name of a message: the name of its Go type.
func TypeName(msg Message) string {
	if msg == nil {
		return ""
	}
	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Marshal encodes msg after stamping its MessageType with its wire name.
// It reports whether the stamp changed the value the caller had set.
func Marshal(msg Message) ([]byte, bool, error) {
	if msg == nil {
		return nil, false, errors.New("envelope: cannot marshal nil message")
	}
	if v := reflect.ValueOf(msg); v.Kind() == reflect.Ptr && v.IsNil() {
		return nil, false, errors.New("envelope: cannot marshal nil message")
	}
	h := msg.Header()
	name := TypeName(msg)
	corrected := h.MessageType != name
	if corrected {
		h.MessageType = name
	}
	b, err := msg.MarshalBinary()
	if err != nil {
		return nil, corrected, fmt.Errorf("envelope: marshal %s: %w", name, err)
	}
	return b, corrected, nil
}
