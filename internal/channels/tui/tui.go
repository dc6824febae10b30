// Package tui is the in-process operator channel. Outbound messages go
// onto the internal event bus, where the status server mirrors them to
// connected TUI clients; inbound messages arrive through Deliver from
// the status server's chat endpoint.
package tui

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/channels"
)

const jidSuffix = "@tui"

// OperatorJID is the canonical chat of the local operator.
const OperatorJID = "operator" + jidSuffix

// Channel bridges the event bus to TUI clients.
type Channel struct {
	name    string
	events  *bus.Events
	sink    channels.InboundSink
	log     *slog.Logger
	running atomic.Bool
}

// New builds the TUI channel.
func New(events *bus.Events, sink channels.InboundSink, log *slog.Logger) *Channel {
	return &Channel{name: "tui", events: events, sink: sink, log: log}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) IsRunning() bool { return c.running.Load() }

// OwnsJID matches the local "@tui" chats only.
func (c *Channel) OwnsJID(jid string) bool {
	id, ok := strings.CutSuffix(jid, jidSuffix)
	return ok && id != ""
}

// Start has no connection to open; the channel is live immediately.
func (c *Channel) Start(_ context.Context) error {
	c.running.Store(true)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.running.Store(false)
	return nil
}

// Send pushes the message onto the event bus for connected clients.
func (c *Channel) Send(_ context.Context, chatJID, text string) (string, error) {
	id := uuid.NewString()
	c.events.Broadcast(bus.Event{Name: "tui_message", Payload: map[string]any{
		"id":       id,
		"chat_jid": chatJID,
		"content":  text,
		"sender":   "agent",
	}})
	return id, nil
}

// Deliver injects an operator-typed message as inbound. Called by the
// status server's chat endpoint.
func (c *Channel) Deliver(chatJID, text string) {
	if !c.running.Load() {
		c.log.Warn("tui message dropped, channel not running", "jid", chatJID)
		return
	}
	if c.sink == nil {
		return
	}
	c.sink(channels.InboundMessage{
		ID:          uuid.NewString(),
		ChatJID:     chatJID,
		Sender:      "operator",
		SenderName:  "operator",
		Content:     text,
		Timestamp:   time.Now(),
		ChannelName: c.name,
	})
}

var _ channels.Channel = (*Channel)(nil)
