package bus

import "context"

// InboundMessage represents a message received from a channel (Telegram, webchat, etc.)
type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	MessageID string            `json:"message_id,omitempty"` // channel-native id, used for follow-up dedup
	AccountID string            `json:"account_id,omitempty"` // bot/account identity on the channel
	ThreadID  string            `json:"thread_id,omitempty"`  // forum topic / thread, empty for plain chats
	PeerKind  string            `json:"peer_kind,omitempty"`  // "direct" or "group" (used for session key)
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	AccountID string            `json:"account_id,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"` // channel-specific metadata
}

// MessageRouter abstracts inbound/outbound message routing between channels
// and the dispatch layer.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
