// Package console is an in-process transport for the simulator and tests.
// Connecting succeeds immediately, received messages are injected with
// Receive, and sent messages are handed to a callback.
package console

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

// Outgoing is a message the pipeline sent.
type Outgoing struct {
	ConversationID string
	Text           string
	Media          *channels.MediaMessage
}

// Console implements channels.Transport without a network.
type Console struct {
	tenantID string
	out      func(Outgoing)

	mu        sync.RWMutex
	handler   channels.EventHandler
	connected bool
}

// New creates a console transport. out may be nil.
func New(tenantID string, out func(Outgoing)) *Console {
	return &Console{tenantID: tenantID, out: out}
}

func (c *Console) Name() string { return "console" }

func (c *Console) SetHandler(h channels.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect reports the connection open. Without credentials it pairs a
// console device first, as a QR scan would.
func (c *Console) Connect(_ context.Context, creds *channels.Credentials) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	update := channels.ConnectionUpdate{State: channels.ConnOpen}
	if creds == nil {
		update.Credentials = &channels.Credentials{
			DeviceID: "console:" + c.tenantID,
			Platform: "console",
			PairedAt: time.Now(),
		}
	}
	c.emit(update)
	return nil
}

func (c *Console) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *Console) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *Console) SendText(_ context.Context, conversationID, text string) error {
	if !c.IsConnected() {
		return channels.ErrChannelDisconnected
	}
	if c.out != nil {
		c.out(Outgoing{ConversationID: conversationID, Text: text})
	}
	return nil
}

func (c *Console) SendMedia(_ context.Context, conversationID string, m *channels.MediaMessage) error {
	if !c.IsConnected() {
		return channels.ErrChannelDisconnected
	}
	if c.out != nil {
		c.out(Outgoing{ConversationID: conversationID, Media: m})
	}
	return nil
}

func (c *Console) Probe(context.Context) error {
	if !c.IsConnected() {
		return channels.ErrChannelDisconnected
	}
	return nil
}

// IsConnected reports whether Connect succeeded and nothing closed it since.
func (c *Console) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Receive injects a customer message from senderID.
func (c *Console) Receive(senderID, text string) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return
	}
	h.OnMessage(&channels.RawMessage{
		ID:             uuid.NewString(),
		SenderID:       senderID,
		ConversationID: senderID,
		Type:           channels.MessageText,
		Text:           text,
		Timestamp:      time.Now(),
	})
}

// Drop closes the connection as the provider would, with reason.
func (c *Console) Drop(reason channels.CloseReason) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: reason})
}

func (c *Console) emit(update channels.ConnectionUpdate) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h != nil {
		h.OnConnectionUpdate(update)
	}
}
