// Package telegram adapts the Telegram Bot API (long polling) to the
// host channel contract. Beyond plain sends it can edit messages in
// place, react with emoji, render ask-user questions as inline
// keyboards, and backfill updates missed while the host was down.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/pynchy/pynchy/internal/channels"
)

const (
	jidSuffix = "@telegram"

	// Telegram rejects messages over 4096 characters.
	maxMessageLen = 4096

	askCallbackPrefix = "ask:"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	name string
	bot  *telego.Bot
	sink channels.InboundSink
	log  *slog.Logger

	// OnAskAnswer receives inline-keyboard answers. The message id is
	// the one SendAskUser returned, so callers can match the pending
	// question.
	OnAskAnswer func(ctx context.Context, chatJID, messageID, answer string)

	running    atomic.Bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	askOptions sync.Map // messageID string -> []string
}

// New creates a Telegram channel. The token comes pre-resolved; config
// indirection is the caller's concern.
func New(name, token string, sink channels.InboundSink, log *slog.Logger) (*Channel, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{name: name, bot: bot, sink: sink, log: log}, nil
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) IsRunning() bool { return c.running.Load() }

// OwnsJID reports whether the JID is a numeric Telegram chat id.
func (c *Channel) OwnsJID(jid string) bool {
	_, err := chatIDFromJID(jid)
	return err == nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	c.log.Info("starting telegram bot", "channel", c.name)

	// Stop() cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.running.Store(true)
	c.log.Info("telegram bot connected", "channel", c.name, "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					c.log.Info("telegram updates channel closed", "channel", c.name)
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(update.Message)
				case update.CallbackQuery != nil:
					c.handleCallback(pollCtx, update.CallbackQuery)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine, so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	c.log.Info("stopping telegram bot", "channel", c.name)
	c.running.Store(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			c.log.Warn("telegram polling goroutine did not exit within timeout", "channel", c.name)
		}
	}
	return nil
}

// Send delivers text, chunked to the platform limit. The returned id is
// the last chunk's message id.
func (c *Channel) Send(ctx context.Context, chatJID, text string) (string, error) {
	chatID, err := chatIDFromJID(chatJID)
	if err != nil {
		return "", err
	}
	var lastID int
	for _, chunk := range splitMessage(text, maxMessageLen) {
		sent, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk))
		if err != nil {
			return "", fmt.Errorf("send telegram message: %w", err)
		}
		lastID = sent.MessageID
	}
	return strconv.Itoa(lastID), nil
}

// UpdateMessage edits a previously-sent message in place.
func (c *Channel) UpdateMessage(ctx context.Context, chatJID, messageID, text string) error {
	chatID, err := chatIDFromJID(chatJID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("bad telegram message id %q: %w", messageID, err)
	}
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("edit telegram message: %w", err)
	}
	return nil
}

// SendReaction puts a status emoji on a user message.
func (c *Channel) SendReaction(ctx context.Context, chatJID, messageID, emoji string) error {
	chatID, err := chatIDFromJID(chatJID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("bad telegram message id %q: %w", messageID, err)
	}
	err = c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		},
	})
	if err != nil {
		return fmt.Errorf("set telegram reaction: %w", err)
	}
	return nil
}

// askEntry is a parked inline-keyboard question awaiting a button tap.
type askEntry struct {
	chatJID   string
	messageID string
	options   []string
}

// SendAskUser renders a question as an inline keyboard when options are
// given, plain text otherwise. Button taps come back through
// OnAskAnswer keyed by the returned message id. Callback data carries a
// token rather than the message id, which does not exist at build time.
func (c *Channel) SendAskUser(ctx context.Context, chatJID, question string, options []string) (string, error) {
	chatID, err := chatIDFromJID(chatJID)
	if err != nil {
		return "", err
	}
	msg := tu.Message(tu.ID(chatID), question)
	token := uuid.NewString()[:8]
	if len(options) > 0 {
		rows := make([][]telego.InlineKeyboardButton, 0, len(options))
		for i, opt := range options {
			rows = append(rows, []telego.InlineKeyboardButton{{
				Text:         opt,
				CallbackData: fmt.Sprintf("%s%s:%d", askCallbackPrefix, token, i),
			}})
		}
		msg.ReplyMarkup = &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
	}
	sent, err := c.bot.SendMessage(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("send ask_user question: %w", err)
	}
	messageID := strconv.Itoa(sent.MessageID)
	if len(options) > 0 {
		c.askOptions.Store(token, askEntry{chatJID: chatJID, messageID: messageID, options: options})
	}
	return messageID, nil
}

// FetchInboundSince backfills updates missed while the host was down.
// The cursor is the last consumed update id.
func (c *Channel) FetchInboundSince(ctx context.Context, chatJID, cursor string) ([]channels.InboundMessage, string, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad telegram cursor %q: %w", cursor, err)
		}
		offset = n
	}
	updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset: offset + 1,
		Limit:  100,
	})
	if err != nil {
		return nil, "", fmt.Errorf("fetch telegram updates: %w", err)
	}

	newCursor := cursor
	var out []channels.InboundMessage
	for _, u := range updates {
		if u.UpdateID > offset {
			offset = u.UpdateID
			newCursor = strconv.Itoa(u.UpdateID)
		}
		msg := u.Message
		if msg == nil || isServiceMessage(msg) || msg.From == nil {
			continue
		}
		if jidFor(msg.Chat.ID) != chatJID {
			continue
		}
		out = append(out, c.convertMessage(msg))
	}
	return out, newCursor, nil
}

// handleMessage normalizes an incoming user message and hands it to the
// sink. Access policy and trigger gating live in the router, not here.
func (c *Channel) handleMessage(msg *telego.Message) {
	if isServiceMessage(msg) {
		c.log.Debug("telegram service message skipped", "chat_id", msg.Chat.ID)
		return
	}
	if msg.From == nil {
		return
	}
	m := c.convertMessage(msg)
	c.log.Debug("telegram message received",
		"chat_id", msg.Chat.ID,
		"sender", m.Sender,
		"chat_type", msg.Chat.Type,
	)
	if c.sink != nil {
		c.sink(m)
	}
}

func (c *Channel) convertMessage(msg *telego.Message) channels.InboundMessage {
	content := msg.Text
	if msg.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += msg.Caption
	}
	return channels.InboundMessage{
		ID:          strconv.Itoa(msg.MessageID),
		ChatJID:     jidFor(msg.Chat.ID),
		Sender:      strconv.FormatInt(msg.From.ID, 10),
		SenderName:  displayName(msg.From),
		Content:     content,
		Timestamp:   time.Unix(int64(msg.Date), 0),
		ChannelName: c.name,
		Metadata: map[string]string{
			"chat_type": msg.Chat.Type,
			"username":  msg.From.Username,
		},
	}
}

func (c *Channel) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	// Always answer the callback so the client stops its spinner.
	defer func() {
		err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: q.ID})
		if err != nil {
			c.log.Debug("telegram callback ack failed", "error", err)
		}
	}()

	token, idx, ok := parseAskCallback(q.Data)
	if !ok {
		return
	}
	entry, answer, ok := c.resolveAskAnswer(token, idx)
	if !ok {
		c.log.Debug("telegram callback for unknown question", "token", token)
		return
	}
	if c.OnAskAnswer != nil {
		c.OnAskAnswer(ctx, entry.chatJID, entry.messageID, answer)
	}
}

// resolveAskAnswer consumes the parked question for a callback token
// and returns the chosen option.
func (c *Channel) resolveAskAnswer(token string, idx int) (askEntry, string, bool) {
	v, ok := c.askOptions.LoadAndDelete(token)
	if !ok {
		return askEntry{}, "", false
	}
	entry := v.(askEntry)
	if idx < 0 || idx >= len(entry.options) {
		return askEntry{}, "", false
	}
	return entry, entry.options[idx], true
}

// isServiceMessage reports member-joined, title-changed and similar
// updates that carry no user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.Sticker != nil ||
		msg.Location != nil || msg.Contact != nil {
		return false
	}
	return true
}

func displayName(u *telego.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	return u.FirstName
}

func jidFor(chatID int64) string {
	return strconv.FormatInt(chatID, 10) + jidSuffix
}

func chatIDFromJID(jid string) (int64, error) {
	raw, ok := strings.CutSuffix(jid, jidSuffix)
	if !ok {
		return 0, fmt.Errorf("not a telegram jid: %q", jid)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad telegram chat id in %q: %w", jid, err)
	}
	return id, nil
}

func parseAskCallback(data string) (token string, idx int, ok bool) {
	raw, found := strings.CutPrefix(data, askCallbackPrefix)
	if !found {
		return "", 0, false
	}
	token, rawIdx, found := strings.Cut(raw, ":")
	if !found || token == "" {
		return "", 0, false
	}
	idx, err := strconv.Atoi(rawIdx)
	if err != nil {
		return "", 0, false
	}
	return token, idx, true
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
	_ channels.Reactor        = (*Channel)(nil)
	_ channels.AskUserSender  = (*Channel)(nil)
	_ channels.InboundFetcher = (*Channel)(nil)
)
