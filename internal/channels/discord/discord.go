// Package discord adapts the Discord gateway to the host channel
// contract. It implements the core interface plus in-place message
// updates for finalizing streamed previews.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/pynchy/pynchy/internal/channels"
)

const (
	jidSuffix = "@discord"

	// Discord rejects messages over 2000 characters.
	maxMessageLen = 2000
)

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	name    string
	session *discordgo.Session
	sink    channels.InboundSink
	log     *slog.Logger

	botUserID string
	running   atomic.Bool
}

// New creates a Discord channel. The token comes pre-resolved; config
// indirection is the caller's concern.
func New(name, token string, sink channels.InboundSink, log *slog.Logger) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{name: name, session: session, sink: sink, log: log}, nil
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) IsRunning() bool { return c.running.Load() }

// OwnsJID reports whether the JID names a Discord channel.
func (c *Channel) OwnsJID(jid string) bool {
	id, ok := strings.CutSuffix(jid, jidSuffix)
	return ok && id != ""
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.log.Info("starting discord bot", "channel", c.name)

	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.running.Store(true)
	c.log.Info("discord bot connected", "channel", c.name, "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.log.Info("stopping discord bot", "channel", c.name)
	c.running.Store(false)
	return c.session.Close()
}

// Send delivers text, chunked to the platform limit. The returned id is
// the last chunk's message id.
func (c *Channel) Send(_ context.Context, chatJID, text string) (string, error) {
	channelID, err := channelIDFromJID(chatJID)
	if err != nil {
		return "", err
	}
	var lastID string
	for _, chunk := range splitMessage(text, maxMessageLen) {
		sent, err := c.session.ChannelMessageSend(channelID, chunk)
		if err != nil {
			return "", fmt.Errorf("send discord message: %w", err)
		}
		lastID = sent.ID
	}
	return lastID, nil
}

// UpdateMessage edits a previously-sent message in place.
func (c *Channel) UpdateMessage(_ context.Context, chatJID, messageID, text string) error {
	channelID, err := channelIDFromJID(chatJID)
	if err != nil {
		return err
	}
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	if _, err := c.session.ChannelMessageEdit(channelID, messageID, text); err != nil {
		return fmt.Errorf("edit discord message: %w", err)
	}
	return nil
}

// handleMessage normalizes incoming messages and hands them to the
// sink. Access policy and trigger gating live in the router, not here.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	isDM := m.GuildID == ""
	msg := channels.InboundMessage{
		ID:          m.ID,
		ChatJID:     jidFor(m.ChannelID),
		Sender:      m.Author.ID,
		SenderName:  resolveDisplayName(m),
		Content:     content,
		Timestamp:   m.Timestamp,
		ChannelName: c.name,
		Metadata: map[string]string{
			"guild_id": m.GuildID,
			"username": m.Author.Username,
			"is_dm":    strconv.FormatBool(isDM),
		},
	}

	c.log.Debug("discord message received",
		"channel_id", m.ChannelID,
		"sender", m.Author.ID,
		"is_dm", isDM,
	)
	if c.sink != nil {
		c.sink(msg)
	}
}

// resolveDisplayName picks server nickname, then global display name,
// then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func jidFor(channelID string) string {
	return channelID + jidSuffix
}

func channelIDFromJID(jid string) (string, error) {
	id, ok := strings.CutSuffix(jid, jidSuffix)
	if !ok || id == "" {
		return "", fmt.Errorf("not a discord jid: %q", jid)
	}
	return id, nil
}

// splitMessage chunks text at the platform limit, preferring to break
// at a newline in the back half of the chunk.
func splitMessage(text string, maxLen int) []string {
	if text == "" {
		return []string{""}
	}
	var out []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			out = append(out, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		out = append(out, text[:cutAt])
		text = text[cutAt:]
	}
	return out
}

var (
	_ channels.Channel        = (*Channel)(nil)
	_ channels.MessageUpdater = (*Channel)(nil)
)
