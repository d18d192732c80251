package bus

import (
	"context"
	"log/slog"
)

const defaultBufferSize = 256

// MessageBus is the in-process message broker connecting channels to the
// dispatch layer. Inbound and outbound flow through buffered Go channels;
// publishing never blocks — when a buffer is full the message is dropped
// with a warning, because a wedged consumer must not back-pressure the
// channel adapters into their platform timeouts.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

// New creates a MessageBus with default buffer sizes.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBufferSize),
		outbound: make(chan OutboundMessage, defaultBufferSize),
	}
}

// PublishInbound queues a message from a channel adapter for dispatch.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound buffer full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until an inbound message is available or the
// context is cancelled. Returns ok=false on cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound queues a message for delivery to a channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus: outbound buffer full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// SubscribeOutbound blocks until an outbound message is available or the
// context is cancelled. Returns ok=false on cancellation.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}
