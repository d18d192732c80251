// Package telegram connects the gateway to Telegram via the Bot API
// using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// Channel is the Telegram channel adapter.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, nil),
		bot:         bot,
		config:      cfg,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the polling goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// handleMessage normalizes a Telegram message onto the bus. The platform
// message ID rides along so redeliveries dedupe downstream.
func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.Text == "" {
		return
	}

	senderID := ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
		if msg.From.Username != "" {
			senderID += "|" + msg.From.Username
		}
	}

	peerKind := string(sessions.PeerKindFromGroup(msg.Chat.Type != telego.ChatTypePrivate))

	threadID := ""
	if msg.MessageThreadID != 0 {
		threadID = strconv.Itoa(msg.MessageThreadID)
	}

	c.HandleMessage(bus.InboundMessage{
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Content:   msg.Text,
		MessageID: strconv.Itoa(msg.MessageID),
		AccountID: c.bot.Username(),
		ThreadID:  threadID,
		PeerKind:  peerKind,
	})
}

// Send delivers an outbound message to Telegram.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	params := &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   msg.Content,
	}
	if msg.ThreadID != "" {
		if tid, terr := strconv.Atoi(msg.ThreadID); terr == nil {
			params.MessageThreadID = tid
		}
	}

	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}
