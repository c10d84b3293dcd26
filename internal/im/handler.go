package im

import "context"

// Handler consumes inbound messages. Errors and panics are isolated per
// message by the caller.
type Handler interface {
	HandleMessage(ctx context.Context, msg InboundMessage) error
}

type HandlerFunc func(ctx context.Context, msg InboundMessage) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg InboundMessage) error {
	return f(ctx, msg)
}

// AlertFunc receives operator alerts. It must not block.
type AlertFunc func(message string)
