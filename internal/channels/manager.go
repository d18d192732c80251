package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// Manager manages all registered channels, handling their lifecycle
// and routing outbound messages to the correct channel.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	limiter  *ChatLimiter
	cancel   context.CancelFunc
	mu       sync.RWMutex
}

// NewManager creates a channel manager. Channels are registered
// externally via RegisterChannel.
func NewManager(msgBus *bus.MessageBus, limiter *ChatLimiter) *Manager {
	if limiter == nil {
		limiter = NewChatLimiter(0)
	}
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
		limiter:  limiter,
	}
}

// StartAll starts all registered channels and the outbound dispatch loop.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll gracefully stops all channels and the outbound dispatch loop.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to the appropriate channel, smoothing bursts per chat.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
			continue
		}

		if err := m.limiter.Reserve(msg.ChatID).Wait(ctx); err != nil {
			return
		}

		if err := channel.Send(ctx, msg); err != nil {
			slog.Error("error sending message to channel",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"error", err,
			)
		}
	}
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// EnabledChannels returns the names of all registered channels.
func (m *Manager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// SendToChannel delivers a message directly to a named channel.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	channel, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}
	return channel.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}
