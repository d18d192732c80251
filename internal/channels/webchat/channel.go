// Package webchat serves a local WebSocket endpoint so a browser client
// can talk to the gateway alongside the platform channels.
package webchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// frame is the wire format in both directions.
type frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
}

// Channel is the webchat WebSocket adapter.
type Channel struct {
	*channels.BaseChannel
	config config.WebchatConfig
	server *http.Server

	mu    sync.RWMutex
	conns map[string]*websocket.Conn // chatID -> connection
}

// New creates a webchat channel from config.
func New(cfg config.WebchatConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("webchat", msgBus, nil),
		config:      cfg,
		conns:       make(map[string]*websocket.Conn),
	}
}

// Start begins serving the WebSocket endpoint.
func (c *Channel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c.handleWS(ctx, w, r)
	})

	addr := net.JoinHostPort(c.config.Host, fmt.Sprintf("%d", c.config.Port))
	c.server = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webchat listen %s: %w", addr, err)
	}

	c.SetRunning(true)
	slog.Info("webchat listening", "addr", addr)

	go func() {
		if serr := c.server.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			slog.Error("webchat server stopped", "error", serr)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down and drops all client connections.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := c.server.Shutdown(shutdownCtx)

	c.mu.Lock()
	for id, conn := range c.conns {
		conn.Close(websocket.StatusGoingAway, "gateway shutting down")
		delete(c.conns, id)
	}
	c.mu.Unlock()
	return err
}

// Send delivers an outbound message to the connected client for the chat.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.RLock()
	conn, ok := c.conns[msg.ChatID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("webchat client %s not connected", msg.ChatID)
	}

	return wsjson.Write(ctx, conn, frame{Type: "message", Content: msg.Content})
}

func (c *Channel) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("webchat accept failed", "error", err)
		return
	}

	chatID := r.URL.Query().Get("chat")
	if chatID == "" {
		chatID = uuid.NewString()
	}

	c.mu.Lock()
	if old, exists := c.conns[chatID]; exists {
		old.Close(websocket.StatusPolicyViolation, "replaced by new connection")
	}
	c.conns[chatID] = conn
	c.mu.Unlock()

	slog.Info("webchat client connected", "chat_id", chatID)
	defer func() {
		c.mu.Lock()
		if c.conns[chatID] == conn {
			delete(c.conns, chatID)
		}
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		slog.Info("webchat client disconnected", "chat_id", chatID)
	}()

	// Tell the client its chat id so reconnects can resume the session.
	if err := wsjson.Write(ctx, conn, frame{Type: "hello", ID: chatID}); err != nil {
		return
	}

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		if f.Type != "message" || f.Content == "" {
			continue
		}

		msgID := f.ID
		if msgID == "" {
			msgID = uuid.NewString()
		}
		c.HandleMessage(bus.InboundMessage{
			SenderID:  chatID,
			ChatID:    chatID,
			Content:   f.Content,
			MessageID: msgID,
			PeerKind:  string(sessions.PeerDirect),
		})
	}
}
