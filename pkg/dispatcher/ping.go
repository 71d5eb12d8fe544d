package dispatcher

import (
	"github.com/binaflow/binaflow-go/pkg/dto"
	"github.com/binaflow/binaflow-go/pkg/envelope"
	"github.com/binaflow/binaflow-go/pkg/handler"
)

// PingController answers the built-in liveness type. Start registers it ahead
// of every other handler.
type PingController struct{}

func (c PingController) Handlers() []handler.Declaration {
	return []handler.Declaration{handler.Func("PingController", c.Ping)}
}

// Ping echoes the request id in a Pong.
func (PingController) Ping(p *dto.Ping) *dto.Pong {
	return &dto.Pong{Envelope: envelope.Envelope{MessageID: p.MessageID}}
}
