package dto

import "github.com/binaflow/binaflow-go/pkg/envelope"

// BaseMessage carries only the envelope. Clients decode any frame as a
// BaseMessage to read its type before choosing the concrete decoder.
type BaseMessage struct {
	envelope.Envelope
}

// Builtins returns prototypes of every type declared in schemas/binaflow.proto.
func Builtins() []envelope.Message {
	return []envelope.Message{&BaseMessage{}, &Ping{}, &Pong{}, &Error{}}
}
