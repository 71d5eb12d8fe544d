package dto

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/binaflow/binaflow-go/pkg/envelope"
)

// ErrorMessageType is the wire name of Error frames.
const ErrorMessageType = "Error"

// Field numbers of the Error frame after the envelope.
const (
	fieldErrorType     protowire.Number = 3
	fieldErrorTitle    protowire.Number = 4
	fieldErrorStatus   protowire.Number = 5
	fieldErrorDetail   protowire.Number = 6
	fieldErrorInstance protowire.Number = 7
)

// Error is the frame sent to a client when a request fails.
type Error struct {
	envelope.Envelope
	Type     string
	Title    string
	Status   int32
	Detail   string
	Instance string
}

func (m *Error) MarshalBinary() ([]byte, error) {
	return envelope.NewWriter(&m.Envelope).
		String(fieldErrorType, m.Type).
		String(fieldErrorTitle, m.Title).
		Int32(fieldErrorStatus, m.Status).
		String(fieldErrorDetail, m.Detail).
		String(fieldErrorInstance, m.Instance).
		Bytes(), nil
}

func (m *Error) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, func(f envelope.Field) error {
		var err error
		switch f.Num {
		case fieldErrorType:
			m.Type, err = f.AsString()
		case fieldErrorTitle:
			m.Title, err = f.AsString()
		case fieldErrorStatus:
			m.Status, err = f.AsInt32()
		case fieldErrorDetail:
			m.Detail, err = f.AsString()
		case fieldErrorInstance:
			m.Instance, err = f.AsString()
		}
		return err
	})
}
