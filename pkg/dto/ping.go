package dto

import "github.com/binaflow/binaflow-go/pkg/envelope"

// Ping is the built-in liveness request.
type Ping struct {
	envelope.Envelope
}

func (m *Ping) MarshalBinary() ([]byte, error) {
	return envelope.NewWriter(&m.Envelope).Bytes(), nil
}

func (m *Ping) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, nil)
}

// Pong answers a Ping and echoes its message id.
type Pong struct {
	envelope.Envelope
}

func (m *Pong) MarshalBinary() ([]byte, error) {
	return envelope.NewWriter(&m.Envelope).Bytes(), nil
}

func (m *Pong) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, nil)
}
