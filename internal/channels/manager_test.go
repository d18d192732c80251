package channels

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

type recordChannel struct {
	*BaseChannel
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func newRecordChannel(name string, b *bus.MessageBus) *recordChannel {
	return &recordChannel{BaseChannel: NewBaseChannel(name, b, nil)}
}

func (c *recordChannel) Start(ctx context.Context) error {
	c.SetRunning(true)
	return nil
}

func (c *recordChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return nil
}

func (c *recordChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordChannel) delivered() []bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.OutboundMessage(nil), c.sent...)
}

func TestManager_RoutesOutboundToChannel(t *testing.T) {
	b := bus.New()
	m := NewManager(b, nil)
	tg := newRecordChannel("telegram", b)
	wc := newRecordChannel("webchat", b)
	m.RegisterChannel("telegram", tg)
	m.RegisterChannel("webchat", wc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopAll(context.Background())

	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "to tg"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "webchat", ChatID: "2", Content: "to wc"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(tg.delivered()) == 1 && len(wc.delivered()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := tg.delivered(); len(got) != 1 || got[0].Content != "to tg" {
		t.Errorf("telegram got %v", got)
	}
	if got := wc.delivered(); len(got) != 1 || got[0].Content != "to wc" {
		t.Errorf("webchat got %v", got)
	}
}

func TestManager_UnknownChannelDoesNotBlock(t *testing.T) {
	b := bus.New()
	m := NewManager(b, nil)
	tg := newRecordChannel("telegram", b)
	m.RegisterChannel("telegram", tg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopAll(context.Background())

	b.PublishOutbound(bus.OutboundMessage{Channel: "nope", ChatID: "1", Content: "lost"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "kept"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(tg.delivered()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := tg.delivered(); len(got) != 1 || got[0].Content != "kept" {
		t.Errorf("telegram got %v", got)
	}
}

func TestChatLimiter_SameChatSharesLimiter(t *testing.T) {
	l := NewChatLimiter(60)
	if l.Reserve("a") != l.Reserve("a") {
		t.Error("same chat should reuse its limiter")
	}
	if l.Reserve("a") == l.Reserve("b") {
		t.Error("different chats should get separate limiters")
	}
}

func TestChatLimiter_BoundsTrackedChats(t *testing.T) {
	l := NewChatLimiter(60)
	for i := 0; i < maxTrackedChats+10; i++ {
		l.Reserve(fmt.Sprintf("chat-%d", i))
	}
	l.mu.Lock()
	n := len(l.limiters)
	l.mu.Unlock()
	if n > maxTrackedChats {
		t.Errorf("tracked %d chats, cap is %d", n, maxTrackedChats)
	}
}
