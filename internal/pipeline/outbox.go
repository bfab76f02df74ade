package pipeline

import (
	"context"

	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/protocol"
)

// Outbox is the only path from a session's work to its connection writer.
// Once the session context is done every Send is dropped.
type Outbox struct {
	ctx     context.Context
	out     chan<- any
	metrics *observability.Metrics
	touch   func()
}

func newOutbox(ctx context.Context, out chan<- any, metrics *observability.Metrics, touch func()) *Outbox {
	return &Outbox{ctx: ctx, out: out, metrics: metrics, touch: touch}
}

// Send blocks until the writer accepts msg or the session closes. It reports
// whether the message was handed to the writer.
func (o *Outbox) Send(msg any) bool {
	msgType, _ := protocol.MessageTypeOf(msg)
	if o.ctx.Err() != nil {
		o.metrics.ObserveOutboundMessage(string(msgType), "dropped")
		return false
	}
	select {
	case <-o.ctx.Done():
		o.metrics.ObserveOutboundMessage(string(msgType), "dropped")
		return false
	case o.out <- msg:
		o.metrics.ObserveOutboundMessage(string(msgType), "delivered")
		if o.touch != nil {
			o.touch()
		}
		return true
	}
}

// Alive reports whether the session can still receive messages.
func (o *Outbox) Alive() bool {
	return o.ctx.Err() == nil
}
