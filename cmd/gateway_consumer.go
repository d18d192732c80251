package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/dispatch"
	"github.com/nextlevelbuilder/clawgate/internal/followup"
	"github.com/nextlevelbuilder/clawgate/internal/proxysession"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

const defaultAgentID = "default"

// consumeInboundMessages reads inbound messages from channels and routes
// them: chats attached to an interactive session go through the proxy
// router; everything else goes to the dispatcher, which either starts an
// agent run or queues the message behind the active one.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, proxy *proxysession.Router, dispatcher *dispatch.Dispatcher) {
	slog.Info("inbound message consumer started")

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}

		// Proxy check first: an attached chat bypasses the agent entirely.
		chatKey := msg.Channel + ":" + msg.ChatID
		if res := proxy.TryProxyMessage(ctx, chatKey, msg.Content); res.Handled {
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel:   msg.Channel,
				ChatID:    msg.ChatID,
				Content:   res.Response,
				AccountID: msg.AccountID,
				ThreadID:  msg.ThreadID,
			})
			continue
		}

		sessionKey := buildInboundSessionKey(msg)
		slog.Info("inbound: submitting message",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"session", sessionKey,
		)

		err := dispatcher.Submit(ctx, followup.SubmitParams{
			SessionKey: sessionKey,
			Message:    msg.Content,
			MessageID:  msg.MessageID,
			Deliver:    true,
			Channel:    msg.Channel,
			To:         msg.ChatID,
			AccountID:  msg.AccountID,
			ThreadID:   msg.ThreadID,
		})
		if err != nil {
			slog.Error("inbound: submit failed", "session", sessionKey, "error", err)
		}
	}
}

// buildInboundSessionKey maps a message to its conversation session key.
// Forum topics get their own key so per-topic history stays isolated.
func buildInboundSessionKey(msg bus.InboundMessage) string {
	kind := sessions.PeerKind(msg.PeerKind)
	if kind == "" {
		kind = sessions.PeerDirect
	}
	if msg.ThreadID != "" && kind == sessions.PeerGroup {
		return sessions.BuildTopicSessionKey(defaultAgentID, msg.Channel, msg.ChatID, msg.ThreadID)
	}
	return sessions.BuildSessionKey(defaultAgentID, msg.Channel, kind, msg.ChatID)
}
